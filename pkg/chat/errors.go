package chat

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrNoCredential means no bearer token is available; nothing is attempted
	// until one appears.
	ErrNoCredential = errors.New("no credential available")
	// ErrConnectFailure is a transport-level failure of the live channel.
	ErrConnectFailure = errors.New("connect failure")
	// ErrFetchFailure is a failed history or REST request.
	ErrFetchFailure = errors.New("fetch failure")
	// ErrMalformedFrame marks an inbound frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrSendRejected is matched by every SendRejectedError.
	ErrSendRejected = errors.New("send rejected")
	// ErrClosed is returned by operations on a component that was torn down.
	// It marks a stale result, not a failure.
	ErrClosed = errors.New("closed")
)

type RejectReason string

const (
	RejectEmpty        RejectReason = "empty"
	RejectNotConnected RejectReason = "not-connected"
	RejectRateLimited  RejectReason = "rate-limited"
)

// SendRejectedError is returned synchronously when an outbound message is
// refused before reaching the network.
type SendRejectedError struct {
	Reason RejectReason
	State  ConnectionState
}

func (e *SendRejectedError) Error() string {
	if e.Reason == RejectNotConnected {
		return fmt.Sprintf("send rejected: %s (state %s)", e.Reason, e.State)
	}
	return fmt.Sprintf("send rejected: %s", e.Reason)
}

func (e *SendRejectedError) Is(target error) bool {
	return target == ErrSendRejected
}

// RejectedBecause reports whether err is a send rejection with the given reason.
func RejectedBecause(err error, reason RejectReason) bool {
	var rej *SendRejectedError
	if !errors.As(err, &rej) {
		return false
	}
	return rej.Reason == reason
}

// HTTPError is a non-2xx REST answer.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *HTTPError) Unwrap() error { return ErrFetchFailure }

// FetchFailure tags err as a FetchFailure while keeping it inspectable.
func FetchFailure(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrFetchFailure, err)
}

// ConnectFailure tags err as a ConnectFailure while keeping it inspectable.
func ConnectFailure(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrConnectFailure, err)
}
