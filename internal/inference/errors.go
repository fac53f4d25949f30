package inference

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Kind classifies a failed backend call.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidImage
	KindServer
	KindTimeout
	KindUnreachable
	KindConnectivity
)

func (k Kind) String() string {
	switch k {
	case KindInvalidImage:
		return "invalid_image"
	case KindServer:
		return "server"
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindConnectivity:
		return "connectivity"
	default:
		return "unknown"
	}
}

// User-facing messages, one per Kind.
const (
	MsgInvalidImage = "Invalid image file"
	MsgServer       = "Server error occurred during prediction"
	MsgTimeout      = "Request timeout - the image processing took too long"
	MsgUnreachable  = "Cannot connect to the AI server. Please ensure the backend is running."
	MsgUnknown      = "Failed to analyze the image. Please try again."
	MsgConnectivity = "Failed to connect to the API server"
)

// Error is the only error type returned by the client. Error() yields the message meant for display.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the Kind of err, or KindUnknown when err did not come from this package.
func KindOf(err error) Kind {
	var ierr *Error
	if errors.As(err, &ierr) {
		return ierr.Kind
	}
	return KindUnknown
}

func newError(kind Kind, status int, message string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: status, Message: message, Err: cause}
}

// classifyTransport maps an error raised before a status code was received.
func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, 0, MsgTimeout, err)
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return newError(KindTimeout, 0, MsgTimeout, err)
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return newError(KindUnreachable, 0, MsgUnreachable, err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return newError(KindUnreachable, 0, MsgUnreachable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(KindUnreachable, 0, MsgUnreachable, err)
	}

	return newError(KindUnknown, 0, MsgUnknown, err)
}
