package docsync

import (
	"errors"
	"fmt"
)

var ErrStopped = errors.New("stopped")
var ErrStreamClosed = errors.New("stream closed")
var ErrNetworkDisabled = errors.New("network disabled")

// server status codes carried on error frames and `cause` fields
const (
	StatusOk                 = 0
	StatusCancelled          = 1
	StatusUnknown            = 2
	StatusInvalidArgument    = 3
	StatusDeadlineExceeded   = 4
	StatusNotFound           = 5
	StatusAlreadyExists      = 6
	StatusPermissionDenied   = 7
	StatusResourceExhausted  = 8
	StatusFailedPrecondition = 9
	StatusAborted            = 10
	StatusOutOfRange         = 11
	StatusUnimplemented      = 12
	StatusInternal           = 13
	StatusUnavailable        = 14
	StatusDataLoss           = 15
	StatusUnauthenticated    = 16
)

type RpcError struct {
	Code    int32  `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewRpcError(code int32, format string, a ...any) *RpcError {
	return &RpcError{
		Code:    code,
		Message: fmt.Sprintf(format, a...),
	}
}

func (self *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", self.Code, self.Message)
}

// a status that will not succeed on retry with the same request
func IsPermanentError(err error) bool {
	var rpcError *RpcError
	if !errors.As(err, &rpcError) {
		return false
	}
	switch rpcError.Code {
	case StatusCancelled,
		StatusUnknown,
		StatusDeadlineExceeded,
		StatusResourceExhausted,
		StatusInternal,
		StatusUnavailable,
		StatusUnauthenticated:
		return false
	default:
		return true
	}
}

// writes additionally retry on aborted, since the commit can be replayed
func IsPermanentWriteError(err error) bool {
	var rpcError *RpcError
	if !errors.As(err, &rpcError) {
		return false
	}
	return IsPermanentError(err) && rpcError.Code != StatusAborted
}

func IsUnauthenticatedError(err error) bool {
	var rpcError *RpcError
	if !errors.As(err, &rpcError) {
		return false
	}
	return rpcError.Code == StatusUnauthenticated
}
