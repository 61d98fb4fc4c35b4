package flow

import "github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"

// OutcomeKind identifies what a resolved device needs next. A tagged
// variant instead of independent booleans: a device cannot be routed to
// two dialogs at once.
type OutcomeKind uint8

const (
	// OutcomeBootloaderUpdate - the bootloader is below the minimum version.
	OutcomeBootloaderUpdate OutcomeKind = iota + 1

	// OutcomeFirmwareUpdate - the firmware needs updating.
	OutcomeFirmwareUpdate

	// OutcomeInitialization - the device needs setup or unlock; this is the
	// path into the authentication ceremony.
	OutcomeInitialization

	// OutcomeReady - the device needs nothing.
	OutcomeReady
)

// String returns a human-readable outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeBootloaderUpdate:
		return "BOOTLOADER_UPDATE"
	case OutcomeFirmwareUpdate:
		return "FIRMWARE_UPDATE"
	case OutcomeInitialization:
		return "INITIALIZATION"
	case OutcomeReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// StatusText returns the user-facing status line for this outcome.
func (k OutcomeKind) StatusText() string {
	switch k {
	case OutcomeBootloaderUpdate:
		return "Bootloader update needed"
	case OutcomeFirmwareUpdate:
		return "Firmware update needed"
	case OutcomeInitialization:
		return "Device setup needed"
	case OutcomeReady:
		return "Device ready"
	default:
		return "Unknown device state"
	}
}

// Outcome is a resolved device status with the detail payload of the
// selected requirement.
type Outcome struct {
	Kind OutcomeKind

	// Detail carries the update payload for the update outcomes, nil
	// otherwise.
	Detail *devicelink.UpdateDetail

	// Status is the snapshot the decision was made from.
	Status *devicelink.Status
}

// Decide selects the first applicable outcome in strict priority order.
// The order is fixed: firmware state is unreliable below the minimum
// bootloader version, so a device needing a bootloader update must never
// be routed to PIN entry or a firmware flow first.
func Decide(status *devicelink.Status) Outcome {
	switch {
	case status.NeedsBootloaderUpdate:
		return Outcome{Kind: OutcomeBootloaderUpdate, Detail: status.BootloaderUpdate, Status: status}
	case status.NeedsFirmwareUpdate:
		return Outcome{Kind: OutcomeFirmwareUpdate, Detail: status.FirmwareUpdate, Status: status}
	case status.NeedsInitialization:
		return Outcome{Kind: OutcomeInitialization, Status: status}
	default:
		return Outcome{Kind: OutcomeReady, Status: status}
	}
}
