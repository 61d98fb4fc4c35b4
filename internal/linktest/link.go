// Package linktest provides a scripted devicelink.Link double for
// deterministic unit tests of the flow controller.
package linktest

import (
	"context"
	"sync"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Call records one operation the controller issued against the link.
type Call struct {
	Op         string
	DeviceID   string
	Positions  []devicelink.Position
	RequestID  string
	Passphrase string
}

// Link is a scripted devicelink.Link. Behavior is overridden per operation
// with function fields; unset operations use permissive defaults (device
// present, idle, accepts everything).
type Link struct {
	mu    sync.Mutex
	calls []Call

	InPINFn            func(ctx context.Context, deviceID string) (bool, error)
	StatusFn           func(ctx context.Context, deviceID string) (*devicelink.Status, error)
	TriggerFn          func(ctx context.Context, deviceID string) (bool, error)
	SubmitPINFn        func(ctx context.Context, deviceID string, positions []devicelink.Position) (bool, error)
	SubmitPassphraseFn func(ctx context.Context, deviceID, requestID string, passphrase []byte) error

	notif chan devicelink.Notification
}

// New creates a scripted link with permissive defaults.
func New() *Link {
	return &Link{
		notif: make(chan devicelink.Notification, 16),
	}
}

func (l *Link) record(c Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

// Calls returns a copy of all recorded calls.
func (l *Link) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Call, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (l *Link) CallCount(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MutationCalls returns how many non-probe driver calls were made.
func (l *Link) MutationCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Op != "IsInPINCeremony" && c.Op != "GetStatus" {
			n++
		}
	}
	return n
}

// Emit pushes a notification into the stream.
func (l *Link) Emit(n devicelink.Notification) {
	l.notif <- n
}

// CloseNotifications closes the notification stream.
func (l *Link) CloseNotifications() {
	close(l.notif)
}

func (l *Link) IsInPINCeremony(ctx context.Context, deviceID string) (bool, error) {
	l.record(Call{Op: "IsInPINCeremony", DeviceID: deviceID})
	if l.InPINFn != nil {
		return l.InPINFn(ctx, deviceID)
	}
	return false, nil
}

func (l *Link) GetStatus(ctx context.Context, deviceID string) (*devicelink.Status, error) {
	l.record(Call{Op: "GetStatus", DeviceID: deviceID})
	if l.StatusFn != nil {
		return l.StatusFn(ctx, deviceID)
	}
	return &devicelink.Status{DeviceID: deviceID, Initialized: true}, nil
}

func (l *Link) TriggerPINChallenge(ctx context.Context, deviceID string) (bool, error) {
	l.record(Call{Op: "TriggerPINChallenge", DeviceID: deviceID})
	if l.TriggerFn != nil {
		return l.TriggerFn(ctx, deviceID)
	}
	return true, nil
}

func (l *Link) SubmitPIN(ctx context.Context, deviceID string, positions []devicelink.Position) (bool, error) {
	recorded := make([]devicelink.Position, len(positions))
	copy(recorded, positions)
	l.record(Call{Op: "SubmitPIN", DeviceID: deviceID, Positions: recorded})
	if l.SubmitPINFn != nil {
		return l.SubmitPINFn(ctx, deviceID, positions)
	}
	return true, nil
}

func (l *Link) SubmitPassphrase(ctx context.Context, deviceID, requestID string, passphrase []byte) error {
	l.record(Call{
		Op:         "SubmitPassphrase",
		DeviceID:   deviceID,
		RequestID:  requestID,
		Passphrase: string(passphrase),
	})
	if l.SubmitPassphraseFn != nil {
		return l.SubmitPassphraseFn(ctx, deviceID, requestID, passphrase)
	}
	return nil
}

func (l *Link) Notifications() <-chan devicelink.Notification {
	return l.notif
}

var _ devicelink.Link = (*Link)(nil)
