package ceremony

// Step is the current ceremony step of a session.
type Step uint8

const (
	// StepVerifying - readiness resolution is in progress.
	StepVerifying Step = iota

	// StepTrigger - the device needs an explicit PIN challenge request.
	StepTrigger

	// StepPinEntry - the user is choosing positions on the challenge grid.
	StepPinEntry

	// StepPinSubmitting - a PIN submission is in flight.
	StepPinSubmitting

	// StepPassphraseEntry - the user is typing a passphrase.
	StepPassphraseEntry

	// StepPassphraseSubmitting - a passphrase submission is in flight.
	StepPassphraseSubmitting

	// StepSuccess - the device is unlocked. Terminal.
	StepSuccess

	// StepCancelled - the user abandoned the ceremony. Terminal.
	StepCancelled

	// StepFailed - the session died (disconnect, protocol mismatch). Terminal.
	StepFailed
)

// String returns a human-readable step name.
func (s Step) String() string {
	switch s {
	case StepVerifying:
		return "VERIFYING"
	case StepTrigger:
		return "TRIGGER"
	case StepPinEntry:
		return "PIN_ENTRY"
	case StepPinSubmitting:
		return "PIN_SUBMITTING"
	case StepPassphraseEntry:
		return "PASSPHRASE_ENTRY"
	case StepPassphraseSubmitting:
		return "PASSPHRASE_SUBMITTING"
	case StepSuccess:
		return "SUCCESS"
	case StepCancelled:
		return "CANCELLED"
	case StepFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the session is finished in this step.
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepCancelled || s == StepFailed
}

// Submitting reports whether a device call is in flight in this step.
// Cancellation is deferred while submitting to avoid a dangling
// device-side ceremony.
func (s Step) Submitting() bool {
	return s == StepPinSubmitting || s == StepPassphraseSubmitting
}

// Outcome is the terminal result reported to the caller.
type Outcome uint8

const (
	// OutcomeNone - the session is still running.
	OutcomeNone Outcome = iota

	// OutcomeCompleted - the device is authenticated.
	OutcomeCompleted

	// OutcomeCancelled - the user abandoned the ceremony.
	OutcomeCancelled

	// OutcomeFailed - the session died; View.FailureKind carries the class.
	OutcomeFailed
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "NONE"
	case OutcomeCompleted:
		return "COMPLETED"
	case OutcomeCancelled:
		return "CANCELLED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
