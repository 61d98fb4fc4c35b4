package linksim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Defaults for optional Config fields.
const (
	DefaultLabel          = "KeepKey"
	DefaultVersion        = "7.7.0"
	DefaultMaxPINAttempts = 16
	DefaultSolicitDelay   = 250 * time.Millisecond
)

// Config describes the simulated device.
type Config struct {
	// DeviceID identifies the device on the bus. Generated when empty.
	DeviceID string `yaml:"deviceId"`

	// Label is the user-visible device name.
	Label string `yaml:"label"`

	// Version is the reported firmware version.
	Version string `yaml:"version"`

	// PIN is the correct PIN as an ordered sequence of grid positions.
	// Empty means the device has no PIN set.
	PIN []devicelink.Position `yaml:"pin"`

	// PassphraseProtected enables the passphrase solicitation after a
	// successful PIN.
	PassphraseProtected bool `yaml:"passphraseProtected"`

	// Initialized reports whether the device carries a seed.
	Initialized bool `yaml:"initialized"`

	NeedsBootloaderUpdate bool                     `yaml:"needsBootloaderUpdate"`
	BootloaderUpdate      *devicelink.UpdateDetail `yaml:"bootloaderUpdate"`
	NeedsFirmwareUpdate   bool                     `yaml:"needsFirmwareUpdate"`
	FirmwareUpdate        *devicelink.UpdateDetail `yaml:"firmwareUpdate"`

	// MaxPINAttempts is the failed-attempt count at which the device
	// locks until the next power cycle. Zero selects the default.
	MaxPINAttempts int `yaml:"maxPinAttempts"`

	// SolicitDelay is how long after an accepted PIN the passphrase
	// solicitation is emitted. Zero selects the default.
	SolicitDelay time.Duration `yaml:"-"`

	// Latency is an artificial per-call delay, for exercising timeouts.
	Latency time.Duration `yaml:"-"`
}

func (c Config) withDefaults() Config {
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.MaxPINAttempts <= 0 {
		c.MaxPINAttempts = DefaultMaxPINAttempts
	}
	if c.SolicitDelay <= 0 {
		c.SolicitDelay = DefaultSolicitDelay
	}
	return c
}

// Simulator is a simulated hardware wallet. It implements devicelink.Link.
//
// The zero value is not usable; construct with New.
type Simulator struct {
	mu  sync.Mutex
	cfg Config

	connected        bool
	inCeremony       bool
	pinCached        bool
	passphraseCached bool
	awaitingPhrase   bool
	requestID        string
	failedAttempts   int
	locked           bool

	solicitTimer *time.Timer

	notif  chan devicelink.Notification
	closed bool

	logger *slog.Logger
}

var _ devicelink.Link = (*Simulator)(nil)

// New creates a simulated device from cfg. The device starts disconnected;
// call Connect to announce it.
func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:   cfg.withDefaults(),
		notif: make(chan devicelink.Notification, 16),
	}
}

// SetLogger sets the logger used by the simulator.
func (s *Simulator) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *Simulator) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.New(slog.DiscardHandler)
}

// DeviceID returns the simulated device's identifier.
func (s *Simulator) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DeviceID
}

// Connect powers the device on and emits a connected notification.
// Reconnecting clears the PIN cache, the lockout and any pending
// passphrase solicitation, like a real power cycle would.
func (s *Simulator) Connect() {
	s.mu.Lock()
	if s.closed || s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = true
	s.lockedResetSession()
	id := s.cfg.DeviceID
	label := s.cfg.Label
	s.mu.Unlock()

	s.log().Info("simulated device connected", "deviceId", id)
	s.emit(devicelink.Notification{
		Type:     devicelink.NotifyConnected,
		DeviceID: id,
		Identity: &devicelink.Identity{
			DeviceID:     id,
			Manufacturer: "KeyHodlers",
			Product:      label,
		},
	})
}

// Disconnect powers the device off and emits a disconnected notification.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.lockedResetSession()
	id := s.cfg.DeviceID
	s.mu.Unlock()

	s.log().Info("simulated device disconnected", "deviceId", id)
	s.emit(devicelink.Notification{
		Type:     devicelink.NotifyDisconnected,
		DeviceID: id,
	})
}

// PublishStatus emits a status-changed notification with the current
// snapshot, as a real transport does after feature queries settle.
func (s *Simulator) PublishStatus() {
	s.mu.Lock()
	if s.closed || !s.connected {
		s.mu.Unlock()
		return
	}
	st := s.lockedStatus()
	s.mu.Unlock()

	s.emit(devicelink.Notification{
		Type:     devicelink.NotifyStatusChanged,
		DeviceID: st.DeviceID,
		Status:   st,
	})
}

// Close shuts the simulator down and closes the notification stream.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.solicitTimer != nil {
		s.solicitTimer.Stop()
		s.solicitTimer = nil
	}
	close(s.notif)
}

// Notifications returns the asynchronous event stream.
func (s *Simulator) Notifications() <-chan devicelink.Notification {
	return s.notif
}

// IsInPINCeremony reports whether the PIN matrix is currently displayed.
func (s *Simulator) IsInPINCeremony(ctx context.Context, deviceID string) (bool, error) {
	if err := s.latency(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(deviceID); err != nil {
		return false, err
	}
	return s.inCeremony, nil
}

// GetStatus returns the current device status snapshot.
func (s *Simulator) GetStatus(ctx context.Context, deviceID string) (*devicelink.Status, error) {
	if err := s.latency(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(deviceID); err != nil {
		return nil, err
	}
	return s.lockedStatus(), nil
}

// TriggerPINChallenge asks the device to display a scrambled PIN matrix.
func (s *Simulator) TriggerPINChallenge(ctx context.Context, deviceID string) (bool, error) {
	if err := s.latency(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(deviceID); err != nil {
		return false, err
	}
	if s.awaitingPhrase {
		return false, devicelink.NewError(devicelink.KindAwaitingPassphrase,
			"device is awaiting a passphrase")
	}
	if s.locked {
		return false, devicelink.NewError(devicelink.KindBusy,
			"too many failed attempts, reconnect the device")
	}
	if len(s.cfg.PIN) == 0 || s.pinCached {
		return false, nil
	}
	s.inCeremony = true
	s.log().Debug("pin matrix displayed", "deviceId", deviceID)
	return true, nil
}

// SubmitPIN checks the chosen grid positions against the configured PIN.
func (s *Simulator) SubmitPIN(ctx context.Context, deviceID string, positions []devicelink.Position) (bool, error) {
	if err := s.latency(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(deviceID); err != nil {
		return false, err
	}
	if s.locked {
		return false, devicelink.NewError(devicelink.KindPINLocked,
			"too many failed attempts, reconnect the device")
	}
	if !s.inCeremony {
		return false, devicelink.NewError(devicelink.KindUnknown,
			"no pin matrix is displayed")
	}
	for _, p := range positions {
		if !devicelink.ValidPosition(p) {
			return false, devicelink.Errorf(devicelink.KindUnknown,
				"position %d outside the matrix", p)
		}
	}
	if !positionsEqual(positions, s.cfg.PIN) {
		s.failedAttempts++
		s.log().Debug("pin rejected", "deviceId", deviceID, "failedAttempts", s.failedAttempts)
		if s.failedAttempts >= s.cfg.MaxPINAttempts {
			s.locked = true
			s.inCeremony = false
			return false, devicelink.NewError(devicelink.KindPINLocked,
				"too many failed attempts, reconnect the device")
		}
		return false, devicelink.NewError(devicelink.KindIncorrectPIN, "incorrect pin")
	}

	s.inCeremony = false
	s.pinCached = true
	s.failedAttempts = 0
	s.log().Debug("pin accepted", "deviceId", deviceID)

	if s.cfg.PassphraseProtected && !s.passphraseCached {
		s.awaitingPhrase = true
		s.requestID = uuid.NewString()
		s.lockedScheduleSolicitation(deviceID, s.requestID)
	} else {
		s.lockedScheduleStatus()
	}
	return true, nil
}

// SubmitPassphrase answers a pending passphrase solicitation. An empty
// passphrase selects the default (no-passphrase) wallet.
func (s *Simulator) SubmitPassphrase(ctx context.Context, deviceID, requestID string, passphrase []byte) error {
	if err := s.latency(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(deviceID); err != nil {
		return err
	}
	if !s.awaitingPhrase {
		return devicelink.NewError(devicelink.KindNotReady,
			"device is not awaiting a passphrase")
	}
	if requestID != "" && requestID != s.requestID {
		return devicelink.Errorf(devicelink.KindNotReady,
			"stale passphrase request %s", requestID)
	}
	s.awaitingPhrase = false
	s.passphraseCached = true
	s.requestID = ""
	s.log().Debug("passphrase accepted", "deviceId", deviceID, "empty", len(passphrase) == 0)
	s.lockedScheduleStatus()
	return nil
}

// lockedResetSession clears all per-power-cycle state. Caller holds mu.
func (s *Simulator) lockedResetSession() {
	s.inCeremony = false
	s.pinCached = false
	s.passphraseCached = false
	s.awaitingPhrase = false
	s.requestID = ""
	s.failedAttempts = 0
	s.locked = false
	if s.solicitTimer != nil {
		s.solicitTimer.Stop()
		s.solicitTimer = nil
	}
}

func (s *Simulator) lockedCheck(deviceID string) error {
	if !s.connected || deviceID != s.cfg.DeviceID {
		return devicelink.Errorf(devicelink.KindNotFound, "no device %s", deviceID)
	}
	return nil
}

func (s *Simulator) lockedStatus() *devicelink.Status {
	unlocked := s.pinCached && (!s.cfg.PassphraseProtected || s.passphraseCached)
	return &devicelink.Status{
		DeviceID:              s.cfg.DeviceID,
		Label:                 s.cfg.Label,
		Version:               s.cfg.Version,
		Initialized:           s.cfg.Initialized,
		PINCached:             s.pinCached,
		NeedsBootloaderUpdate: s.cfg.NeedsBootloaderUpdate,
		BootloaderUpdate:      s.cfg.BootloaderUpdate,
		NeedsFirmwareUpdate:   s.cfg.NeedsFirmwareUpdate,
		FirmwareUpdate:        s.cfg.FirmwareUpdate,
		NeedsInitialization:   !s.cfg.Initialized || (len(s.cfg.PIN) > 0 && !unlocked),
	}
}

// lockedScheduleSolicitation emits the passphrase solicitation after the
// configured delay, mirroring the real device's asynchronous prompt.
// Caller holds mu.
func (s *Simulator) lockedScheduleSolicitation(deviceID, requestID string) {
	if s.solicitTimer != nil {
		s.solicitTimer.Stop()
	}
	s.solicitTimer = time.AfterFunc(s.cfg.SolicitDelay, func() {
		s.mu.Lock()
		stale := s.closed || !s.connected || !s.awaitingPhrase || s.requestID != requestID
		s.mu.Unlock()
		if stale {
			return
		}
		s.emit(devicelink.Notification{
			Type:      devicelink.NotifyPassphraseSolicited,
			DeviceID:  deviceID,
			RequestID: requestID,
		})
	})
}

// lockedScheduleStatus publishes a fresh snapshot shortly after an unlock
// settles. Caller holds mu.
func (s *Simulator) lockedScheduleStatus() {
	st := s.lockedStatus()
	time.AfterFunc(10*time.Millisecond, func() {
		s.emit(devicelink.Notification{
			Type:     devicelink.NotifyStatusChanged,
			DeviceID: st.DeviceID,
			Status:   st,
		})
	})
}

func (s *Simulator) emit(n devicelink.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.notif <- n:
	default:
		s.log().Warn("notification dropped", "type", n.Type.String(), "deviceId", n.DeviceID)
	}
}

func (s *Simulator) latency(ctx context.Context) error {
	s.mu.Lock()
	d := s.cfg.Latency
	s.mu.Unlock()
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return devicelink.WrapError(devicelink.KindTimeout, ctx.Err())
	case <-t.C:
		return nil
	}
}

func positionsEqual(a, b []devicelink.Position) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
