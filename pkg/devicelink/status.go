package devicelink

// UpdateDetail describes a required bootloader or firmware update.
type UpdateDetail struct {
	CurrentVersion string `cbor:"1,keyasint" json:"currentVersion"`
	TargetVersion  string `cbor:"2,keyasint" json:"targetVersion"`
}

// Status is a full device status snapshot as reported by the driver.
type Status struct {
	DeviceID    string `cbor:"1,keyasint" json:"deviceId"`
	Label       string `cbor:"2,keyasint" json:"label"`
	Version     string `cbor:"3,keyasint" json:"version"`
	Initialized bool   `cbor:"4,keyasint" json:"initialized"`

	// PINCached reports that the device already holds an unlocked PIN for
	// this link session; no PIN ceremony is needed while it is set.
	PINCached bool `cbor:"5,keyasint" json:"pinCached"`

	NeedsBootloaderUpdate bool          `cbor:"6,keyasint" json:"needsBootloaderUpdate"`
	BootloaderUpdate      *UpdateDetail `cbor:"7,keyasint,omitempty" json:"bootloaderUpdate,omitempty"`

	NeedsFirmwareUpdate bool          `cbor:"8,keyasint" json:"needsFirmwareUpdate"`
	FirmwareUpdate      *UpdateDetail `cbor:"9,keyasint,omitempty" json:"firmwareUpdate,omitempty"`

	// NeedsInitialization reports the device requires setup or unlock
	// before it can serve wallet operations.
	NeedsInitialization bool `cbor:"10,keyasint" json:"needsInitialization"`
}

// Identity is the coarse device identity carried by a connected
// notification, before any status query has run.
type Identity struct {
	DeviceID     string `cbor:"1,keyasint" json:"deviceId"`
	Manufacturer string `cbor:"2,keyasint" json:"manufacturer"`
	Product      string `cbor:"3,keyasint" json:"product"`
}
