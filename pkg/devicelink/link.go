package devicelink

import "context"

// Position is one cell of the scrambled 3x3 PIN challenge grid (1..9).
// It names a grid position, not the digit displayed there.
type Position uint8

// MaxPINLength is the maximum number of positions in one PIN.
const MaxPINLength = 9

// ValidPosition reports whether p addresses a cell of the challenge grid.
func ValidPosition(p Position) bool { return p >= 1 && p <= 9 }

// Link is the capability contract of the hardware wallet driver.
//
// All calls take a context and must honor its cancellation; the controller
// stays responsive to disconnects while a call is outstanding. Every error
// returned by an implementation should be classified (see LinkError) before
// it crosses this boundary.
type Link interface {
	// IsInPINCeremony reports whether the device is currently mid
	// PIN ceremony. The probe is side-effect free: it must never disturb
	// an in-progress ceremony, which is why the readiness check runs it
	// before any status query.
	IsInPINCeremony(ctx context.Context, deviceID string) (bool, error)

	// GetStatus queries the full device status snapshot.
	// Fails with KindNotFound or KindUnavailable.
	GetStatus(ctx context.Context, deviceID string) (*Status, error)

	// TriggerPINChallenge asks the device to display a fresh scrambled
	// PIN matrix. True means the device entered PIN mode. Fails with
	// KindNotFound, KindBusy, KindTimeout, KindAwaitingPassphrase or
	// KindUnknown.
	TriggerPINChallenge(ctx context.Context, deviceID string) (bool, error)

	// SubmitPIN sends the ordered sequence of chosen grid positions.
	// True means the device accepted the PIN. Fails with KindIncorrectPIN,
	// KindPINLocked, KindNotFound or KindUnknown.
	SubmitPIN(ctx context.Context, deviceID string, positions []Position) (bool, error)

	// SubmitPassphrase answers a passphrase solicitation. requestID is the
	// correlation token from the solicitation, empty when none was issued.
	// Fails with KindNotReady, KindTimeout or KindUnknown.
	SubmitPassphrase(ctx context.Context, deviceID, requestID string, passphrase []byte) error

	// Notifications returns the asynchronous event stream. The channel is
	// closed when the link shuts down.
	Notifications() <-chan Notification
}
