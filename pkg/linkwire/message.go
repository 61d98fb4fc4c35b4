package linkwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// MaxFrameSize caps a single wire frame. Ceremony traffic is tiny; anything
// larger is a framing error.
const MaxFrameSize = 65536

// Op identifies a request operation.
type Op uint8

const (
	OpProbe Op = iota + 1
	OpStatus
	OpTrigger
	OpSubmitPIN
	OpSubmitPassphrase
)

// String returns a human-readable operation name.
func (o Op) String() string {
	switch o {
	case OpProbe:
		return "PROBE"
	case OpStatus:
		return "STATUS"
	case OpTrigger:
		return "TRIGGER"
	case OpSubmitPIN:
		return "SUBMIT_PIN"
	case OpSubmitPassphrase:
		return "SUBMIT_PASSPHRASE"
	default:
		return "UNKNOWN"
	}
}

// Request is one client call to the bridge.
type Request struct {
	ID       uint32 `cbor:"1,keyasint"`
	Op       Op     `cbor:"2,keyasint"`
	DeviceID string `cbor:"3,keyasint"`

	// RequestID is set for OpSubmitPassphrase.
	RequestID string `cbor:"4,keyasint,omitempty"`

	// Positions is set for OpSubmitPIN.
	Positions []devicelink.Position `cbor:"5,keyasint,omitempty"`

	// Passphrase is set for OpSubmitPassphrase.
	Passphrase []byte `cbor:"6,keyasint,omitempty"`
}

// Response answers one Request, matched by ID.
type Response struct {
	ID uint32 `cbor:"1,keyasint"`

	// OK carries the boolean result of probe, trigger and submit calls.
	OK bool `cbor:"2,keyasint"`

	// Status is set for successful OpStatus calls.
	Status *devicelink.Status `cbor:"3,keyasint,omitempty"`

	// ErrKind and ErrMsg carry a classified failure. ErrKind zero means
	// the call succeeded.
	ErrKind devicelink.Kind `cbor:"4,keyasint,omitempty"`
	ErrMsg  string          `cbor:"5,keyasint,omitempty"`
}

// Err reconstructs the classified error carried by the response, or nil.
func (r *Response) Err() error {
	if r.ErrKind == devicelink.KindUnknown && r.ErrMsg == "" {
		return nil
	}
	return devicelink.NewError(r.ErrKind, r.ErrMsg)
}

// Envelope is one frame on the wire: either a response or a notification.
type Envelope struct {
	Response     *Response                `cbor:"1,keyasint,omitempty"`
	Notification *devicelink.Notification `cbor:"2,keyasint,omitempty"`
}

// writeFrame writes a length-prefixed CBOR frame.
func writeFrame(w io.Writer, msg any) error {
	data, err := cbor.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))

	if _, err := w.Write(length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// readFrame reads a length-prefixed CBOR frame into msg.
func readFrame(r io.Reader, msg any) error {
	length := make([]byte, 4)
	if _, err := io.ReadFull(r, length); err != nil {
		return err
	}

	frameLen := binary.BigEndian.Uint32(length)
	if frameLen > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", frameLen)
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read frame body: %w", err)
	}
	if err := cbor.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
