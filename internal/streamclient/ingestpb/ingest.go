// Package ingestpb is the generated-style gRPC client stub for the table
// ingest service. Records are carried as google.protobuf.Struct rather than
// a bespoke generated message: this keeps the wire contract within the
// protobuf runtime's own well-known types while still exercising a real
// streaming gRPC method.
package ingestpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ingestStreamMethod = "/arc.otedge.ingest.v1.TableIngestService/IngestStream"

var ingestStreamDesc = grpc.StreamDesc{
	StreamName:    "IngestStream",
	ClientStreams: true,
	ServerStreams: true,
}

// IngestServiceClient is the client API for TableIngestService.
type IngestServiceClient interface {
	// IngestStream opens a bidirectional stream: the caller sends one
	// structpb.Struct per record, and Recv returns the ack Structs the
	// server sends back on the same stream.
	IngestStream(ctx context.Context, opts ...grpc.CallOption) (IngestService_IngestStreamClient, error)
}

type ingestServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewIngestServiceClient builds a client bound to an established
// *grpc.ClientConn.
func NewIngestServiceClient(cc grpc.ClientConnInterface) IngestServiceClient {
	return &ingestServiceClient{cc: cc}
}

func (c *ingestServiceClient) IngestStream(ctx context.Context, opts ...grpc.CallOption) (IngestService_IngestStreamClient, error) {
	stream, err := c.cc.NewStream(ctx, &ingestStreamDesc, ingestStreamMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &ingestServiceIngestStreamClient{stream}, nil
}

// IngestService_IngestStreamClient is the client-side stream handle for
// IngestStream.
type IngestService_IngestStreamClient interface {
	Send(*structpb.Struct) error
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type ingestServiceIngestStreamClient struct {
	grpc.ClientStream
}

func (x *ingestServiceIngestStreamClient) Send(m *structpb.Struct) error {
	return x.ClientStream.SendMsg(m)
}

func (x *ingestServiceIngestStreamClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
