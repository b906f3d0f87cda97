// Package telemetry bootstraps OpenTelemetry metrics export and defines
// the instruments that mirror the connector's get_metrics() snapshot.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitMeterProvider bootstraps the OpenTelemetry MeterProvider with an
// OTLP/gRPC metric exporter targeting endpoint (e.g. "otel-collector:4317").
// Metrics are flushed periodically via a PeriodicReader. The caller must
// defer mp.Shutdown(ctx) to flush pending metrics on exit.
func InitMeterProvider(ctx context.Context, serviceName string, endpoint string) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)

	otel.SetMeterProvider(mp)
	return mp, nil
}

// Instruments holds the counters and gauges named after the connector's
// get_metrics() fields. The bridge records BatchesSent; the other counters
// are registered but not updated, and no callback is registered for the
// queue-depth gauges.
type Instruments struct {
	RecordsIngested     metric.Int64Counter
	RecordsNormalized   metric.Int64Counter
	RecordsDropped      metric.Int64Counter
	RecordsUnroutable   metric.Int64Counter
	RecordsSent         metric.Int64Counter
	BatchesSent         metric.Int64Counter
	SendFailures        metric.Int64Counter
	CircuitBreakerTrips metric.Int64Counter
	QueueDepthMemory    metric.Int64ObservableGauge
	QueueDepthSpool     metric.Int64ObservableGauge
}

// NewInstruments registers the connector's instruments against the global
// meter provider's "ot-edge-connector" meter.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter("ot-edge-connector")

	ins := &Instruments{}
	var err error

	if ins.RecordsIngested, err = meter.Int64Counter("records_ingested_total"); err != nil {
		return nil, err
	}
	if ins.RecordsNormalized, err = meter.Int64Counter("records_normalized_total"); err != nil {
		return nil, err
	}
	if ins.RecordsDropped, err = meter.Int64Counter("records_dropped_total"); err != nil {
		return nil, err
	}
	if ins.RecordsUnroutable, err = meter.Int64Counter("records_unroutable_total"); err != nil {
		return nil, err
	}
	if ins.RecordsSent, err = meter.Int64Counter("records_sent_total"); err != nil {
		return nil, err
	}
	if ins.BatchesSent, err = meter.Int64Counter("batches_sent_total"); err != nil {
		return nil, err
	}
	if ins.SendFailures, err = meter.Int64Counter("send_failures_total"); err != nil {
		return nil, err
	}
	if ins.CircuitBreakerTrips, err = meter.Int64Counter("circuit_breaker_trips_total"); err != nil {
		return nil, err
	}
	if ins.QueueDepthMemory, err = meter.Int64ObservableGauge("queue_depth_memory"); err != nil {
		return nil, err
	}
	if ins.QueueDepthSpool, err = meter.Int64ObservableGauge("queue_depth_spool"); err != nil {
		return nil, err
	}

	return ins, nil
}
