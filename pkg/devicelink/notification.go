package devicelink

// NotificationType identifies the type of an asynchronous link event.
type NotificationType uint8

const (
	// NotifyStatusChanged carries a full status snapshot.
	NotifyStatusChanged NotificationType = iota + 1

	// NotifyConnected announces a device with coarse identity only.
	NotifyConnected

	// NotifyPassphraseSolicited means the device is asking for a passphrase.
	NotifyPassphraseSolicited

	// NotifyDisconnected announces a device leaving the bus.
	NotifyDisconnected
)

// String returns a human-readable notification type name.
func (t NotificationType) String() string {
	switch t {
	case NotifyStatusChanged:
		return "STATUS_CHANGED"
	case NotifyConnected:
		return "CONNECTED"
	case NotifyPassphraseSolicited:
		return "PASSPHRASE_SOLICITED"
	case NotifyDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Notification is one asynchronous event from the driver. Events are
// delivered in arrival order per device.
type Notification struct {
	Type     NotificationType `cbor:"1,keyasint" json:"type"`
	DeviceID string           `cbor:"2,keyasint" json:"deviceId"`

	// Status is set for NotifyStatusChanged.
	Status *Status `cbor:"3,keyasint,omitempty" json:"status,omitempty"`

	// Identity is set for NotifyConnected.
	Identity *Identity `cbor:"4,keyasint,omitempty" json:"identity,omitempty"`

	// RequestID is set for NotifyPassphraseSolicited. It must be echoed
	// back on the matching SubmitPassphrase call.
	RequestID string `cbor:"5,keyasint,omitempty" json:"requestId,omitempty"`
}
