package ceremony

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Session holds the state of one authentication attempt for one device.
// All fields are guarded by mu; every step change goes through advance or
// lockedAdvance, which bump the version. Asynchronous writers (timers,
// notification handlers, call-return paths) pass the version they observed
// and their write is dropped if the session has moved on since.
type Session struct {
	mu sync.Mutex

	id        string
	deviceID  string
	requestID string

	step    Step
	version uint64

	attempts        int
	pin             []devicelink.Position
	passphrase      []byte
	submittedOnce   bool
	awaitingConfirm bool

	statusText string
	errText    string
	outcome    Outcome
	failure    devicelink.Kind

	raceTimer    *time.Timer
	confirmTimer *time.Timer
}

// newSession creates a session in StepVerifying. requestID is the
// correlation token of the passphrase solicitation that triggered this
// session, or empty when none was issued.
func newSession(deviceID, requestID string) *Session {
	return &Session{
		id:        uuid.NewString(),
		deviceID:  deviceID,
		requestID: requestID,
		step:      StepVerifying,
		pin:       make([]devicelink.Position, 0, devicelink.MaxPINLength),
	}
}

// observe returns the current step and version.
func (s *Session) observe() (Step, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step, s.version
}

// advance moves the session to step `to` if its version still matches
// observed, running mutate under the lock first. Returns false when the
// session moved on since observation; the write is then dropped.
func (s *Session) advance(observed uint64, to Step, mutate func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.version != observed {
		return false
	}
	s.lockedAdvance(to, mutate)
	return true
}

// lockedAdvance applies a step change. Caller holds mu.
func (s *Session) lockedAdvance(to Step, mutate func(*Session)) {
	if mutate != nil {
		mutate(s)
	}
	s.step = to
	s.version++
}

// lockedWipeSecrets overwrites and empties both secret buffers.
// Caller holds mu. Called on every exit path from an entry step.
func (s *Session) lockedWipeSecrets() {
	for i := range s.pin {
		s.pin[i] = 0
	}
	s.pin = s.pin[:0]
	for i := range s.passphrase {
		s.passphrase[i] = 0
	}
	s.passphrase = nil
}

// lockedStopTimers cancels any pending timers. Caller holds mu. A timer
// that already fired is harmless: its write carries a stale version and
// advance drops it.
func (s *Session) lockedStopTimers() {
	if s.raceTimer != nil {
		s.raceTimer.Stop()
		s.raceTimer = nil
	}
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
}

// wipePositions zeroes a PIN position slice after use.
func wipePositions(p []devicelink.Position) {
	for i := range p {
		p[i] = 0
	}
}

// wipeBytes zeroes a secret byte slice after use.
func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// View is the controller-to-UI snapshot of a session.
type View struct {
	SessionID string
	DeviceID  string
	Step      Step

	// StatusText and ErrorText are human-readable; ErrorText is empty
	// unless the last operation surfaced an error.
	StatusText string
	ErrorText  string

	// SubmissionInFlight is true while a device call is outstanding.
	SubmissionInFlight bool

	// PINLength is the number of positions entered so far (for masking).
	PINLength int

	// AttemptCount is the number of failed PIN submissions this session.
	AttemptCount int

	// Outcome and FailureKind are set once the session is terminal.
	Outcome     Outcome
	FailureKind devicelink.Kind
}

// view builds a snapshot. Caller holds mu.
func (s *Session) view() View {
	return View{
		SessionID:          s.id,
		DeviceID:           s.deviceID,
		Step:               s.step,
		StatusText:         s.statusText,
		ErrorText:          s.errText,
		SubmissionInFlight: s.step.Submitting(),
		PINLength:          len(s.pin),
		AttemptCount:       s.attempts,
		Outcome:            s.outcome,
		FailureKind:        s.failure,
	}
}

// View returns a snapshot of the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view()
}
