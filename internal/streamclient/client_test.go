package streamclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestClassifySendErrorTreatsKnownSchemaCodesAsNonRetriable(t *testing.T) {
	for _, code := range []codes.Code{codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied} {
		err := classifySendError(status.Error(code, "rejected"))
		var schemaErr *SchemaError
		require.ErrorAs(t, err, &schemaErr, "code %s should classify as schema error", code)
	}
}

func TestClassifySendErrorPassesThroughTransientCodes(t *testing.T) {
	err := classifySendError(status.Error(codes.Unavailable, "backend down"))
	var schemaErr *SchemaError
	assert.False(t, errors.As(err, &schemaErr))
}

func TestClassifySendErrorFallsBackToSubstringMatchForNonStatusErrors(t *testing.T) {
	err := classifySendError(errors.New("decoder/encoder error: unrecognized field name foo"))
	var schemaErr *SchemaError
	assert.True(t, errors.As(err, &schemaErr))
}

func TestIsUnauthenticatedMatchesOnlyThatCode(t *testing.T) {
	assert.True(t, isUnauthenticated(status.Error(codes.Unauthenticated, "token expired")))
	assert.False(t, isUnauthenticated(status.Error(codes.Unavailable, "backend down")))
	assert.False(t, isUnauthenticated(errors.New("plain error")))
}

func TestGRPCCodeReturnsUnknownForNonStatusError(t *testing.T) {
	assert.Equal(t, codes.Unknown, grpcCode(errors.New("boom")))
	assert.Equal(t, codes.OK, grpcCode(nil))
}
