package reliability

import (
	"context"
	"errors"
	"net"
	"syscall"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ferrors "github.com/odvcencio/foreman/pkg/errors"
)

// Class separates failures worth retrying from those that are not.
type Class int

const (
	Permanent Class = iota
	Transient
)

// String returns the class name.
func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// transientCodes are foreman codes that describe infrastructure hiccups.
var transientCodes = map[ferrors.ErrorCode]bool{
	ferrors.ErrCodeToolTimeout: true,
	ferrors.ErrCodeRateLimited: true,
	ferrors.ErrCodeTransport:   true,
}

// Classify determines whether an error should trigger a retry attempt.
//
// Transient:
//   - context.DeadlineExceeded (the per-call timeout fired)
//   - network timeouts, connection resets, refused connections, broken pipes
//   - gRPC Unavailable, DeadlineExceeded, ResourceExhausted, Aborted,
//     Internal and Unknown
//   - structured errors marked retryable or carrying a transient code
//
// Everything else is permanent, including context.Canceled and any
// RESOURCE, POLICY or USER failure.
func Classify(err error) Class {
	if err == nil {
		return Permanent
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}

	if fe, ok := ferrors.As(err); ok {
		switch fe.Mode {
		case ferrors.ModeResource, ferrors.ModePolicy, ferrors.ModeUser:
			return Permanent
		}
		if fe.Retryable || transientCodes[fe.Code] {
			return Transient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return Transient
	}

	if st, ok := grpcStatus(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
			codes.Aborted, codes.Internal, codes.Unknown:
			return Transient
		}
	}
	return Permanent
}

// grpcStatus finds a gRPC status anywhere in the chain.
func grpcStatus(err error) (*status.Status, bool) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := status.FromError(e); ok && st.Code() != codes.OK {
			return st, true
		}
	}
	return nil, false
}
