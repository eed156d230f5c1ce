package xprt

import (
	"net"

	"github.com/pkg/errors"
)

type timeoutError struct {
	msg       string
	temporary bool
}

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return e.temporary }

var _ net.Error = (*timeoutError)(nil)

var (
	// ErrTimedOut is returned when a request's major timeout expired.
	ErrTimedOut error = &timeoutError{"xprt: request timed out", false}
	// ErrMinorTimeout is returned by WaitReply when the request must be retransmitted.
	ErrMinorTimeout error = &timeoutError{"xprt: minor timeout, retransmit", true}
)

type transientError struct {
	msg   string
	cause error
}

func (e *transientError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e *transientError) Cause() error    { return e.cause }
func (e *transientError) Unwrap() error   { return e.cause }
func (e *transientError) Timeout() bool   { return false }
func (e *transientError) Temporary() bool { return true }

func (e *transientError) Is(target error) bool {
	t, ok := target.(*transientError)
	return ok && t.msg == e.msg
}

var _ net.Error = (*transientError)(nil)

var (
	// ErrConnectionReset is the status of callers woken by a forced disconnect.
	ErrConnectionReset error = &transientError{msg: "xprt: connection reset"}
	// ErrNotConnected wraps the error of a failed connection attempt.
	ErrNotConnected error = &transientError{msg: "xprt: not connected"}
	// errSendAgain wraps a temporary send error after which sending resumes.
	errSendAgain error = &transientError{msg: "xprt: send interrupted"}
)

func connectionReset(cause error) error {
	return &transientError{msg: "xprt: connection reset", cause: cause}
}

func notConnected(cause error) error {
	return &transientError{msg: "xprt: not connected", cause: cause}
}

func sendAgain(cause error) error {
	return &transientError{msg: "xprt: send interrupted", cause: cause}
}

var (
	// ErrAlreadyComplete is returned by PrepareTransmit if the reply already landed.
	ErrAlreadyComplete = errors.New("xprt: request already complete")
	ErrShutdown        = errors.New("xprt: transport shut down")
	errNotReserved     = errors.New("xprt: request is not reserved")
	errPartialFrame    = errors.New("xprt: request released in the middle of its frame")
)

// IsTransient reports whether err leaves the request retryable on
// this transport, i.e. the caller should transmit it again.
func IsTransient(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return err == ErrMinorTimeout
}
