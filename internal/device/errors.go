// internal/device/errors.go
package device

import (
	"errors"
	"fmt"
)

// Kind classifies device failures.
type Kind int

const (
	// Transient failures are retried by the next poll cycle.
	Transient Kind = iota
	// Unsupported means the device rejects the requested blocks for good.
	Unsupported
	// Permanent failures are configuration bugs (oversized frames,
	// writes to read-only spaces).
	Permanent
)

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "unsupported"
	case Permanent:
		return "permanent"
	}
	return "transient"
}

// Error is a classified device failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code is picked up by the status block as last error code.
func (e *Error) Code() uint16 { return 0x100 + uint16(e.Kind) }

func Transientf(format string, args ...any) error {
	return &Error{Kind: Transient, Msg: fmt.Sprintf(format, args...)}
}

func Unsupportedf(format string, args ...any) error {
	return &Error{Kind: Unsupported, Msg: fmt.Sprintf(format, args...)}
}

func Permanentf(format string, args ...any) error {
	return &Error{Kind: Permanent, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under msg.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the class of err. Unclassified errors (I/O, timeouts)
// are transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Transient
}
