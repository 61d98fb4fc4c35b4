package ceremony

import (
	"context"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// resolve determines the device's true current step at session start. It
// runs once per StepVerifying and short-circuits on the first definitive
// answer:
//
//  1. in-ceremony probe - must run first and never mutates device state;
//     a blind status query can disturb an in-progress PIN ceremony on some
//     firmware.
//  2. status query - a cached PIN means no PIN ceremony; with a known
//     request ID the passphrase ceremony remains, without one the device
//     needs nothing and the session completes immediately.
//  3. trigger call - request a fresh PIN challenge and map its outcome.
//
// All writes go through the versioned advance, so a concurrent Cancel or
// disconnect during a resolver call wins and the resolver's answer is
// dropped.
func (c *Controller) resolve(ctx context.Context) {
	s := c.session()
	step, observed := s.observe()
	if step != StepVerifying {
		return
	}

	inPIN, err := c.link.IsInPINCeremony(ctx, s.deviceID)
	if err != nil {
		// The probe is best effort; fall through to the status query.
		c.log().Debug("in-ceremony probe failed",
			"sessionID", s.id, "deviceID", s.deviceID, "error", err)
	}
	if err == nil && inPIN {
		if s.advance(observed, StepPinEntry, func(s *Session) {
			s.statusText = "Enter your PIN."
		}) {
			c.emit()
		}
		return
	}

	status, err := c.link.GetStatus(ctx, s.deviceID)
	if err != nil {
		kind := devicelink.KindOf(err)
		if kind == devicelink.KindDisconnected || kind == devicelink.KindNotFound {
			if s.advance(observed, StepFailed, func(s *Session) {
				s.terminate(OutcomeFailed, devicelink.KindDisconnected, "Device disconnected.")
			}) {
				c.emit()
			}
			return
		}
		// Unavailable driver: the trigger call below gets its own chance.
		c.log().Debug("status query failed",
			"sessionID", s.id, "deviceID", s.deviceID, "kind", kind.String())
	}
	if err == nil && status.PINCached {
		s.mu.Lock()
		solicited := s.requestID != ""
		s.mu.Unlock()
		if solicited {
			if s.advance(observed, StepPassphraseEntry, func(s *Session) {
				s.statusText = "Enter your passphrase."
			}) {
				c.emit()
			}
			return
		}
		// PIN cached and nothing solicited: the device needs no input.
		if s.advance(observed, StepSuccess, func(s *Session) {
			s.terminate(OutcomeCompleted, devicelink.KindUnknown, "")
			s.statusText = "Device ready."
		}) {
			c.log().Info("session completed without ceremony",
				"sessionID", s.id, "deviceID", s.deviceID)
			c.emit()
		}
		return
	}

	c.applyTrigger(ctx, s, observed)
}

// applyTrigger issues the PIN challenge trigger and maps its outcome:
// true resolves PinEntry, false or an already-awaiting-passphrase error
// resolves PassphraseEntry, anything else resolves StepTrigger with a
// classified reason so the user can retry explicitly.
func (c *Controller) applyTrigger(ctx context.Context, s *Session, observed uint64) {
	ok, err := c.link.TriggerPINChallenge(ctx, s.deviceID)

	switch {
	case err == nil && ok:
		if s.advance(observed, StepPinEntry, func(s *Session) {
			s.statusText = "Enter your PIN."
			s.errText = ""
		}) {
			c.emit()
		}

	case err == nil || devicelink.KindOf(err) == devicelink.KindAwaitingPassphrase:
		// The device is already waiting for a passphrase. This does not
		// count as a submission: submittedOnce stays false so the user's
		// first submission goes through.
		if s.advance(observed, StepPassphraseEntry, func(s *Session) {
			s.statusText = "Enter your passphrase."
			s.errText = ""
		}) {
			c.emit()
		}

	default:
		kind := devicelink.KindOf(err)
		c.log().Warn("PIN challenge trigger failed",
			"sessionID", s.id, "deviceID", s.deviceID, "kind", kind.String())
		if kind == devicelink.KindDisconnected || kind == devicelink.KindNotFound {
			if s.advance(observed, StepFailed, func(s *Session) {
				s.terminate(OutcomeFailed, devicelink.KindDisconnected, "Device disconnected.")
			}) {
				c.emit()
			}
			return
		}
		if s.advance(observed, StepTrigger, func(s *Session) {
			s.statusText = ""
			s.errText = devicelink.Reason(err)
		}) {
			c.emit()
		}
	}
}
