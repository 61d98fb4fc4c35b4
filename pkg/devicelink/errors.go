package devicelink

import (
	"errors"
	"fmt"
	"strings"
)

// Link errors.
var (
	ErrLinkClosed = errors.New("device link closed")
	ErrNoDevice   = errors.New("device not found")
)

// Kind classifies a Link failure for retry and teardown decisions.
type Kind uint8

const (
	// KindUnknown is an unclassified failure; surfaced verbatim, never retried.
	KindUnknown Kind = iota

	// KindDisconnected means the device left the bus. Always fatal to the session.
	KindDisconnected

	// KindNotFound means the driver has no device with that ID.
	KindNotFound

	// KindUnavailable means the driver could not be reached.
	KindUnavailable

	// KindBusy means the device is servicing another request.
	KindBusy

	// KindClaimed means another application holds the device.
	KindClaimed

	// KindTimeout means the call did not complete in time.
	KindTimeout

	// KindIncorrectPIN means the device rejected the submitted PIN.
	KindIncorrectPIN

	// KindPINLocked means the device refused the PIN for too many failed attempts.
	KindPINLocked

	// KindNotReady means the device was not expecting this message type.
	KindNotReady

	// KindAwaitingPassphrase means the device is already waiting for a passphrase.
	KindAwaitingPassphrase
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindDisconnected:
		return "DISCONNECTED"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindBusy:
		return "BUSY"
	case KindClaimed:
		return "CLAIMED"
	case KindTimeout:
		return "TIMEOUT"
	case KindIncorrectPIN:
		return "INCORRECT_PIN"
	case KindPINLocked:
		return "PIN_LOCKED"
	case KindNotReady:
		return "NOT_READY"
	case KindAwaitingPassphrase:
		return "AWAITING_PASSPHRASE"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether a failure of this kind may resolve on retry.
// Secret rejections, lockouts, protocol mismatches and disconnects never do.
func (k Kind) Retryable() bool {
	switch k {
	case KindBusy, KindTimeout, KindClaimed, KindUnavailable:
		return true
	default:
		return false
	}
}

// LinkError wraps a driver error with its classification.
type LinkError struct {
	Kind Kind
	Err  error
}

func (e *LinkError) Error() string { return e.Err.Error() }
func (e *LinkError) Unwrap() error { return e.Err }

// NewError creates a classified error with a fixed message.
func NewError(kind Kind, msg string) error {
	return &LinkError{Kind: kind, Err: errors.New(msg)}
}

// WrapError classifies an existing error. Returns nil for a nil error.
func WrapError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &LinkError{Kind: kind, Err: err}
}

// Errorf creates a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &LinkError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from an error. Errors that were not
// classified at the boundary are sniffed once by message content, matching
// the strings real drivers emit; anything unrecognized is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var le *LinkError
	if errors.As(err, &le) {
		return le.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "disconnect"), strings.Contains(msg, "no such device"):
		return KindDisconnected
	case strings.Contains(msg, "already in use"), strings.Contains(msg, "claimed"):
		return KindClaimed
	case strings.Contains(msg, "timed out"), strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "awaiting passphrase"), strings.Contains(msg, "passphrase request"):
		return KindAwaitingPassphrase
	case strings.Contains(msg, "pin invalid"), strings.Contains(msg, "incorrect pin"):
		return KindIncorrectPIN
	case strings.Contains(msg, "too many attempts"), strings.Contains(msg, "pin locked"):
		return KindPINLocked
	case strings.Contains(msg, "busy"):
		return KindBusy
	default:
		return KindUnknown
	}
}

// Reason returns a user-actionable explanation for a Link failure.
func Reason(err error) string {
	switch KindOf(err) {
	case KindDisconnected:
		return "Device disconnected. Reconnect it and try again."
	case KindNotFound:
		return "Device not found. Reconnect it and try again."
	case KindClaimed:
		return "Device is in use by another application. Close it and try again."
	case KindBusy:
		return "Device is busy. Wait a moment and try again."
	case KindTimeout:
		return "Device did not respond in time. Try again."
	case KindUnavailable:
		return "Device driver is unavailable. Try again."
	case KindPINLocked:
		return "Too many failed PIN attempts. Wait before trying again."
	case KindNotReady:
		return "Device was not expecting this request. Reconnect it and start over."
	default:
		return "Something went wrong: " + err.Error()
	}
}
