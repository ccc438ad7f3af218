package docsync

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPermanentErrors(t *testing.T) {
	transientCodes := []int32{
		StatusCancelled,
		StatusUnknown,
		StatusDeadlineExceeded,
		StatusResourceExhausted,
		StatusInternal,
		StatusUnavailable,
		StatusUnauthenticated,
	}
	for _, code := range transientCodes {
		err := NewRpcError(code, "transient")
		assert.Equal(t, false, IsPermanentError(err))
		assert.Equal(t, false, IsPermanentWriteError(err))
	}

	permanentCodes := []int32{
		StatusInvalidArgument,
		StatusNotFound,
		StatusPermissionDenied,
		StatusFailedPrecondition,
		StatusUnimplemented,
		StatusDataLoss,
	}
	for _, code := range permanentCodes {
		err := NewRpcError(code, "permanent")
		assert.Equal(t, true, IsPermanentError(err))
		assert.Equal(t, true, IsPermanentWriteError(err))
	}

	// aborted commits can be replayed, so writes retry them
	aborted := NewRpcError(StatusAborted, "aborted")
	assert.Equal(t, true, IsPermanentError(aborted))
	assert.Equal(t, false, IsPermanentWriteError(aborted))

	// wrapped rpc errors are still recognized
	wrapped := fmt.Errorf("stream closed: %w", NewRpcError(StatusPermissionDenied, "denied"))
	assert.Equal(t, true, IsPermanentError(wrapped))

	assert.Equal(t, false, IsPermanentError(ErrStreamClosed))
	assert.Equal(t, false, IsPermanentWriteError(ErrStopped))
}

func TestUnauthenticatedError(t *testing.T) {
	assert.Equal(t, true, IsUnauthenticatedError(NewRpcError(StatusUnauthenticated, "expired")))
	assert.Equal(t, false, IsUnauthenticatedError(NewRpcError(StatusPermissionDenied, "denied")))
	assert.Equal(t, false, IsUnauthenticatedError(ErrStreamClosed))
	assert.Equal(t, false, IsUnauthenticatedError(nil))
}
