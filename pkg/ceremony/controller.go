package ceremony

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Controller errors.
var (
	ErrNoSession        = errors.New("no active session")
	ErrAlreadyOpen      = errors.New("session already open")
	ErrWrongStep        = errors.New("operation not valid in current step")
	ErrEmptyPIN         = errors.New("PIN is empty")
	ErrInvalidPosition  = errors.New("PIN position out of range")
	ErrAlreadySubmitted = errors.New("passphrase already submitted this session")
)

// lockoutWarnThreshold is the failed-attempt count at which the incorrect
// PIN message starts warning about device lockout.
const lockoutWarnThreshold = 3

// Controller drives one authentication session against one device.
//
// Device calls run synchronously in the caller's goroutine; race timeouts
// and confirmation pacing run on timers owned by the session. The OnUpdate
// callback may therefore fire from multiple goroutines.
type Controller struct {
	link   devicelink.Link
	policy Policy

	mu       sync.RWMutex
	sess     *Session
	logger   *slog.Logger
	onUpdate func(View)
}

// New creates a controller. The policy is normalized, so a zero Policy
// yields the defaults.
func New(link devicelink.Link, policy Policy) *Controller {
	return &Controller{
		link:   link,
		policy: policy.Normalized(),
	}
}

// SetLogger sets the logger for this controller.
func (c *Controller) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger
}

// OnUpdate registers the UI callback invoked after every observable change.
func (c *Controller) OnUpdate(fn func(View)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Open creates the session and runs readiness resolution to the first
// resting step. requestID is the passphrase solicitation token that caused
// this session to open, or empty when none was issued; once set it is
// immutable for the rest of the session.
func (c *Controller) Open(ctx context.Context, deviceID, requestID string) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	sess := newSession(deviceID, requestID)
	sess.statusText = "Checking device..."
	c.sess = sess
	logger := c.logger
	c.mu.Unlock()

	if logger != nil {
		logger.Info("session opened",
			"sessionID", sess.id,
			"deviceID", deviceID,
			"hasRequestID", requestID != "")
	}

	c.emit()
	c.resolve(ctx)
	return nil
}

// View returns the current UI snapshot. The zero View is returned before
// Open.
func (c *Controller) View() View {
	s := c.session()
	if s == nil {
		return View{}
	}
	return s.View()
}

// Step returns the current step, or StepVerifying before Open.
func (c *Controller) Step() Step {
	s := c.session()
	if s == nil {
		return StepVerifying
	}
	step, _ := s.observe()
	return step
}

// DeviceID returns the device this controller authenticates.
func (c *Controller) DeviceID() string {
	s := c.session()
	if s == nil {
		return ""
	}
	return s.deviceID
}

// PressPIN appends one challenge grid position to the PIN buffer.
// Presses beyond nine positions are ignored.
func (c *Controller) PressPIN(p devicelink.Position) error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}
	if !devicelink.ValidPosition(p) {
		return ErrInvalidPosition
	}

	s.mu.Lock()
	if s.step != StepPinEntry {
		s.mu.Unlock()
		return ErrWrongStep
	}
	if len(s.pin) >= devicelink.MaxPINLength {
		s.mu.Unlock()
		return nil
	}
	s.pin = append(s.pin, p)
	s.errText = ""
	s.mu.Unlock()

	c.emit()
	return nil
}

// BackspacePIN removes the most recent position from the PIN buffer.
func (c *Controller) BackspacePIN() error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.step != StepPinEntry {
		s.mu.Unlock()
		return ErrWrongStep
	}
	if n := len(s.pin); n > 0 {
		s.pin[n-1] = 0
		s.pin = s.pin[:n-1]
	}
	s.mu.Unlock()

	c.emit()
	return nil
}

// ClearPIN empties the PIN buffer.
func (c *Controller) ClearPIN() error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.step != StepPinEntry {
		s.mu.Unlock()
		return ErrWrongStep
	}
	s.lockedWipeSecrets()
	s.mu.Unlock()

	c.emit()
	return nil
}

// SubmitPIN sends the buffered positions to the device. An empty buffer is
// rejected locally with no device call. On acceptance the controller does
// not trust an immediate status query; it waits out the race window for a
// passphrase solicitation and completes only if none arrives.
func (c *Controller) SubmitPIN(ctx context.Context) error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.step != StepPinEntry {
		s.mu.Unlock()
		return ErrWrongStep
	}
	if len(s.pin) == 0 {
		s.errText = "Enter your PIN first."
		s.mu.Unlock()
		c.emit()
		return ErrEmptyPIN
	}

	positions := make([]devicelink.Position, len(s.pin))
	copy(positions, s.pin)
	s.lockedAdvance(StepPinSubmitting, func(s *Session) {
		s.lockedWipeSecrets()
		s.errText = ""
		s.statusText = "Verifying PIN..."
	})
	observed := s.version
	s.mu.Unlock()
	c.emit()

	ok, err := c.link.SubmitPIN(ctx, s.deviceID, positions)
	wipePositions(positions)
	if err == nil && !ok {
		err = devicelink.NewError(devicelink.KindIncorrectPIN, "PIN invalid")
	}
	if err != nil {
		c.handlePINFailure(s, observed, err)
		return err
	}

	// Accepted. Race a passphrase solicitation against the timeout window;
	// whichever writes first wins, the loser's version check fails.
	s.mu.Lock()
	if s.version == observed {
		s.statusText = "PIN accepted"
		s.raceTimer = time.AfterFunc(c.policy.RaceWindow, func() {
			c.completePINOnly(s, observed)
		})
	}
	s.mu.Unlock()
	c.emit()
	return nil
}

// handlePINFailure applies the failure policy for a rejected PIN submission.
func (c *Controller) handlePINFailure(s *Session, observed uint64, err error) {
	kind := devicelink.KindOf(err)
	c.log().Warn("PIN submission failed",
		"sessionID", s.id, "deviceID", s.deviceID, "kind", kind.String())

	switch kind {
	case devicelink.KindIncorrectPIN:
		s.advance(observed, StepPinEntry, func(s *Session) {
			s.attempts++
			s.statusText = ""
			s.errText = "Incorrect PIN. Try again."
			if s.attempts >= lockoutWarnThreshold {
				s.errText += " Warning: more failed attempts may lock the device."
			}
		})
	case devicelink.KindPINLocked:
		s.advance(observed, StepTrigger, func(s *Session) {
			s.statusText = ""
			s.errText = "Too many failed attempts. Wait before requesting a new PIN challenge."
		})
	case devicelink.KindDisconnected, devicelink.KindNotFound:
		s.advance(observed, StepFailed, func(s *Session) {
			s.terminate(OutcomeFailed, devicelink.KindDisconnected, "Device disconnected.")
		})
	default:
		s.advance(observed, StepPinEntry, func(s *Session) {
			s.statusText = ""
			s.errText = devicelink.Reason(err)
		})
	}
	c.emit()
}

// completePINOnly finishes the session when no passphrase solicitation
// arrived inside the race window. A solicitation that won the race already
// bumped the version, making this a no-op.
func (c *Controller) completePINOnly(s *Session, observed uint64) {
	applied := s.advance(observed, StepSuccess, func(s *Session) {
		s.terminate(OutcomeCompleted, devicelink.KindUnknown, "")
		s.statusText = "Device unlocked."
	})
	if applied {
		c.log().Info("session completed after PIN",
			"sessionID", s.id, "deviceID", s.deviceID)
		c.emit()
	}
}

// HandlePassphraseSolicited feeds a passphrase solicitation into the state
// machine. It is accepted only while a PIN submission is in flight; in any
// other step a more authoritative transition is already in progress and the
// event is ignored. Returns whether the event was applied.
func (c *Controller) HandlePassphraseSolicited(requestID string) bool {
	s := c.session()
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.step != StepPinSubmitting {
		step := s.step
		s.mu.Unlock()
		c.log().Debug("ignoring passphrase solicitation",
			"sessionID", s.id, "step", step.String())
		return false
	}
	s.lockedAdvance(StepPassphraseEntry, func(s *Session) {
		s.lockedStopTimers()
		if s.requestID == "" {
			s.requestID = requestID
		}
		s.statusText = "Enter your passphrase."
		s.errText = ""
	})
	s.mu.Unlock()

	c.emit()
	return true
}

// SubmitPassphrase answers the passphrase ceremony. An empty text is a
// valid explicit skip. A second submission for the same session is rejected
// locally with no device call.
func (c *Controller) SubmitPassphrase(ctx context.Context, text string) error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.step != StepPassphraseEntry {
		s.mu.Unlock()
		return ErrWrongStep
	}
	if s.submittedOnce {
		s.errText = "Passphrase was already submitted for this session."
		s.mu.Unlock()
		c.emit()
		return ErrAlreadySubmitted
	}

	secret := []byte(text)
	requestID := s.requestID
	s.passphrase = secret
	s.lockedAdvance(StepPassphraseSubmitting, func(s *Session) {
		// Hand the secret to the call and empty the buffer; outside the
		// entry steps the session holds no secret material.
		s.passphrase = nil
		s.errText = ""
		s.statusText = "Sending passphrase..."
	})
	observed := s.version
	s.mu.Unlock()
	c.emit()

	err := c.link.SubmitPassphrase(ctx, s.deviceID, requestID, secret)
	wipeBytes(secret)
	if err != nil {
		c.handlePassphraseFailure(s, observed, err)
		return err
	}

	s.mu.Lock()
	if s.version == observed {
		s.submittedOnce = true
		s.awaitingConfirm = true
		s.statusText = "Passphrase sent."
		s.confirmTimer = time.AfterFunc(c.policy.ConfirmDelay, func() {
			c.confirmPassphrase(s, observed)
		})
	}
	s.mu.Unlock()
	c.emit()
	return nil
}

// SkipPassphrase submits an empty passphrase.
func (c *Controller) SkipPassphrase(ctx context.Context) error {
	return c.SubmitPassphrase(ctx, "")
}

// confirmPassphrase finishes the session after the confirmation display
// delay.
func (c *Controller) confirmPassphrase(s *Session, observed uint64) {
	applied := s.advance(observed, StepSuccess, func(s *Session) {
		s.awaitingConfirm = false
		s.terminate(OutcomeCompleted, devicelink.KindUnknown, "")
		s.statusText = "Device unlocked."
	})
	if applied {
		c.log().Info("session completed after passphrase",
			"sessionID", s.id, "deviceID", s.deviceID)
		c.emit()
	}
}

// handlePassphraseFailure applies the failure policy for a rejected
// passphrase submission.
func (c *Controller) handlePassphraseFailure(s *Session, observed uint64, err error) {
	kind := devicelink.KindOf(err)
	c.log().Warn("passphrase submission failed",
		"sessionID", s.id, "deviceID", s.deviceID, "kind", kind.String())

	switch kind {
	case devicelink.KindNotReady:
		// The device rejected the message type outright. Mark the session
		// as submitted anyway so nothing retries an invalid protocol
		// sequence, then tear down after a short grace delay.
		s.mu.Lock()
		if s.version == observed {
			s.submittedOnce = true
			s.errText = devicelink.Reason(err)
			s.confirmTimer = time.AfterFunc(c.policy.FailureGrace, func() {
				if s.advance(observed, StepFailed, func(s *Session) {
					s.terminate(OutcomeFailed, devicelink.KindNotReady, devicelink.Reason(err))
				}) {
					c.emit()
				}
			})
		}
		s.mu.Unlock()
	case devicelink.KindTimeout:
		s.advance(observed, StepPassphraseEntry, func(s *Session) {
			s.submittedOnce = false
			s.awaitingConfirm = false
			s.statusText = "Enter your passphrase."
			s.errText = "Device did not respond in time. Try again."
		})
	case devicelink.KindDisconnected, devicelink.KindNotFound:
		s.advance(observed, StepFailed, func(s *Session) {
			s.terminate(OutcomeFailed, devicelink.KindDisconnected, "Device disconnected.")
		})
	default:
		s.advance(observed, StepPassphraseEntry, func(s *Session) {
			s.submittedOnce = false
			s.awaitingConfirm = false
			s.statusText = "Enter your passphrase."
			s.errText = err.Error()
		})
	}
	c.emit()
}

// RequestPINChallenge asks the device for a fresh scrambled PIN matrix.
// Valid only in StepTrigger, where readiness resolution could not establish
// a ceremony and the user retries explicitly.
func (c *Controller) RequestPINChallenge(ctx context.Context) error {
	s := c.session()
	if s == nil {
		return ErrNoSession
	}

	s.mu.Lock()
	if s.step != StepTrigger {
		s.mu.Unlock()
		return ErrWrongStep
	}
	s.statusText = "Requesting PIN challenge..."
	s.errText = ""
	observed := s.version
	s.mu.Unlock()
	c.emit()

	c.applyTrigger(ctx, s, observed)
	return nil
}

// Cancel abandons the ceremony. It is a no-op while a submission is in
// flight (a dangling device-side ceremony is worse than a short wait) and
// from terminal steps, which also makes it idempotent.
func (c *Controller) Cancel() bool {
	s := c.session()
	if s == nil {
		return false
	}

	s.mu.Lock()
	if s.step.Submitting() || s.step.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.lockedAdvance(StepCancelled, func(s *Session) {
		s.terminate(OutcomeCancelled, devicelink.KindUnknown, "")
		s.statusText = "Cancelled."
	})
	s.mu.Unlock()

	c.log().Info("session cancelled", "sessionID", s.id, "deviceID", s.deviceID)
	c.emit()
	return true
}

// HandleDisconnect destroys the session on a device disconnection. Unlike
// Cancel it applies in every non-terminal step, including mid-submission:
// no partial-failure state survives a physical disconnect.
func (c *Controller) HandleDisconnect() {
	s := c.session()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.step.Terminal() {
		s.mu.Unlock()
		return
	}
	s.lockedAdvance(StepFailed, func(s *Session) {
		s.terminate(OutcomeFailed, devicelink.KindDisconnected, "Device disconnected.")
	})
	s.mu.Unlock()

	c.log().Info("session destroyed on disconnect",
		"sessionID", s.id, "deviceID", s.deviceID)
	c.emit()
}

// Close tears the session down unconditionally, even mid-submission. Used
// when a newer session for the same device supersedes this one and on
// shutdown; the in-flight call's return is dropped by its version check.
func (c *Controller) Close() {
	s := c.session()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.step.Terminal() {
		s.mu.Unlock()
		return
	}
	s.lockedAdvance(StepCancelled, func(s *Session) {
		s.terminate(OutcomeCancelled, devicelink.KindUnknown, "")
		s.statusText = "Superseded."
	})
	s.mu.Unlock()
	c.emit()
}

// terminate wipes secrets, stops timers and records the outcome.
// Caller holds mu, inside a lockedAdvance mutate.
func (s *Session) terminate(outcome Outcome, failure devicelink.Kind, errText string) {
	s.lockedWipeSecrets()
	s.lockedStopTimers()
	s.outcome = outcome
	s.failure = failure
	if errText != "" {
		s.errText = errText
	}
	s.statusText = ""
}

// session returns the current session pointer.
func (c *Controller) session() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

// log returns the configured logger or a discard logger.
func (c *Controller) log() *slog.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.logger != nil {
		return c.logger
	}
	return slog.New(slog.DiscardHandler)
}

// emit delivers a fresh snapshot to the UI callback, outside any lock.
func (c *Controller) emit() {
	c.mu.RLock()
	fn := c.onUpdate
	sess := c.sess
	c.mu.RUnlock()

	if fn == nil || sess == nil {
		return
	}
	fn(sess.View())
}
