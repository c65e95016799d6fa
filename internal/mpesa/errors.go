package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPhone is returned by FormatPhone for numbers outside the accepted shapes.
	ErrInvalidPhone = errors.New("invalid phone number, use 07xx, 7xx or 2547xx format")
	// ErrMissingCredentials means the consumer key or secret is not configured.
	ErrMissingCredentials = errors.New("mpesa consumer key or secret missing")
)

// AuthError reports a failed OAuth credential exchange. It is retryable.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("mpesa auth failed (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("mpesa auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ErrorKind tells callers whether a gateway failure is worth retrying.
type ErrorKind int

const (
	// KindTransient covers timeouts, connection failures, 5xx and unreadable responses.
	KindTransient ErrorKind = iota
	// KindRejected means the gateway answered and explicitly declined the request.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// GatewayError is returned by Client for every failed push or query.
type GatewayError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("mpesa %s error %s: %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("mpesa %s error: %s", e.Kind, msg)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Transient reports whether the caller may retry.
func (e *GatewayError) Transient() bool { return e.Kind == KindTransient }

// IsRejected reports whether err is a GatewayError the gateway explicitly declined.
func IsRejected(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.Kind == KindRejected
}

// IsTransient reports whether err is a retryable GatewayError or AuthError.
func IsTransient(err error) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind == KindTransient
	}
	var ae *AuthError
	return errors.As(err, &ae)
}
