package flow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/backoff"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/ceremony"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

// Manager pumps driver notifications and dispatches each device to its
// outcome. It keeps at most one authentication ceremony alive per device;
// opening a second one supersedes the first atomically.
type Manager struct {
	mu sync.Mutex

	link   devicelink.Link
	policy ceremony.Policy
	logger *slog.Logger

	ceremonies map[string]*ceremony.Controller
	pending    map[string]*pendingStatus

	onView       func(ceremony.View)
	onOutcome    func(deviceID string, o Outcome)
	onStatusText func(deviceID, text string)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// pendingStatus tracks a device announced by a coarse connected event
// whose status snapshot has not arrived yet.
type pendingStatus struct {
	timer  *time.Timer
	cancel context.CancelFunc
}

func (p *pendingStatus) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// NewManager creates a flow manager. The policy is normalized, so a zero
// Policy yields the defaults.
func NewManager(link devicelink.Link, policy ceremony.Policy) *Manager {
	return &Manager{
		link:       link,
		policy:     policy.Normalized(),
		ceremonies: make(map[string]*ceremony.Controller),
		pending:    make(map[string]*pendingStatus),
	}
}

// SetLogger sets the logger for the manager and the ceremonies it opens.
func (m *Manager) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// OnView registers the callback for ceremony snapshots.
func (m *Manager) OnView(fn func(ceremony.View)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onView = fn
}

// OnOutcome registers the callback for resolved device outcomes.
func (m *Manager) OnOutcome(fn func(deviceID string, o Outcome)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOutcome = fn
}

// OnStatusText registers the callback for user-facing status lines.
func (m *Manager) OnStatusText(fn func(deviceID, text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatusText = fn
}

// Start begins pumping driver notifications.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.pump()
}

// Stop stops the pump and tears down all ceremonies and pending timers.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	ceremonies := make([]*ceremony.Controller, 0, len(m.ceremonies))
	for id, ctrl := range m.ceremonies {
		ceremonies = append(ceremonies, ctrl)
		delete(m.ceremonies, id)
	}
	for id, p := range m.pending {
		p.stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()

	for _, ctrl := range ceremonies {
		ctrl.Close()
	}
}

// Ceremony returns the active ceremony for a device, or nil.
func (m *Manager) Ceremony(deviceID string) *ceremony.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ceremonies[deviceID]
}

// pump reads the notification stream until shutdown or stream close.
func (m *Manager) pump() {
	defer m.wg.Done()

	notifications := m.link.Notifications()
	for {
		select {
		case <-m.ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			m.handle(n)
		}
	}
}

// handle applies one notification. Events for the same device are applied
// in arrival order; this is the single place push events meet the
// pull-based fallback machinery.
func (m *Manager) handle(n devicelink.Notification) {
	m.log().Debug("notification",
		"type", n.Type.String(), "deviceID", n.DeviceID)

	switch n.Type {
	case devicelink.NotifyConnected:
		m.handleConnected(n.DeviceID)

	case devicelink.NotifyStatusChanged:
		// A pushed snapshot always wins over a pending fallback timer.
		m.cancelPending(n.DeviceID)
		if n.Status != nil {
			m.dispatch(n.DeviceID, n.Status)
		}

	case devicelink.NotifyPassphraseSolicited:
		if ctrl := m.Ceremony(n.DeviceID); ctrl != nil {
			ctrl.HandlePassphraseSolicited(n.RequestID)
		} else {
			m.log().Debug("passphrase solicitation with no active ceremony",
				"deviceID", n.DeviceID)
		}

	case devicelink.NotifyDisconnected:
		m.handleDisconnected(n.DeviceID)
	}
}

// handleConnected arms the bounded wait for a status snapshot. If none
// arrives in time, one fallback status query runs with capped retries.
func (m *Manager) handleConnected(deviceID string) {
	m.emitStatusText(deviceID, "Device found "+shortID(deviceID))

	m.mu.Lock()
	if p, ok := m.pending[deviceID]; ok {
		p.stop()
	}
	queryCtx, queryCancel := context.WithCancel(m.ctx)
	p := &pendingStatus{cancel: queryCancel}
	p.timer = time.AfterFunc(m.policy.StatusWait, func() {
		m.fallbackQuery(queryCtx, deviceID, p)
	})
	m.pending[deviceID] = p
	m.mu.Unlock()
}

// handleDisconnected destroys all per-device state unconditionally.
func (m *Manager) handleDisconnected(deviceID string) {
	m.cancelPending(deviceID)

	m.mu.Lock()
	ctrl := m.ceremonies[deviceID]
	delete(m.ceremonies, deviceID)
	m.mu.Unlock()

	if ctrl != nil {
		ctrl.HandleDisconnect()
	}
	m.emitStatusText(deviceID, "Device disconnected")
}

// cancelPending stops the fallback timer and any running fallback query.
func (m *Manager) cancelPending(deviceID string) {
	m.mu.Lock()
	p, ok := m.pending[deviceID]
	if ok {
		delete(m.pending, deviceID)
	}
	m.mu.Unlock()

	if ok {
		p.stop()
	}
}

// clearPending removes the device's pending entry only when it is still the
// caller's own. A superseded query must not touch the entry a newer
// connected event installed; like the session version check, the first
// writer wins.
func (m *Manager) clearPending(deviceID string, own *pendingStatus) {
	m.mu.Lock()
	if m.pending[deviceID] == own {
		delete(m.pending, deviceID)
	}
	m.mu.Unlock()
	own.stop()
}

// fallbackQuery pulls the status the device never pushed. Exhausting the
// retries leaves the device unresolved and the manager idle for it; a
// future event starts over.
func (m *Manager) fallbackQuery(ctx context.Context, deviceID string, own *pendingStatus) {
	m.emitStatusText(deviceID, "Getting device status...")

	var status *devicelink.Status
	err := backoff.Retry(ctx, backoff.RetryConfig{
		MaxAttempts: m.policy.FallbackAttempts,
		BaseDelay:   m.policy.FallbackBase,
		MaxDelay:    m.policy.FallbackMax,
	}, func() error {
		st, err := m.link.GetStatus(ctx, deviceID)
		if err != nil {
			return err
		}
		status = st
		return nil
	})

	m.clearPending(deviceID, own)

	if err != nil {
		kind := devicelink.KindOf(err)
		m.log().Warn("fallback status query failed",
			"deviceID", deviceID, "kind", kind.String())
		if kind == devicelink.KindClaimed {
			m.emitStatusText(deviceID, devicelink.Reason(err))
		}
		return
	}
	m.dispatch(deviceID, status)
}

// dispatch routes a resolved status snapshot to its outcome.
func (m *Manager) dispatch(deviceID string, status *devicelink.Status) {
	outcome := Decide(status)
	m.log().Info("device resolved",
		"deviceID", deviceID, "outcome", outcome.Kind.String())

	m.emitStatusText(deviceID, outcome.Kind.StatusText())

	m.mu.Lock()
	fn := m.onOutcome
	m.mu.Unlock()
	if fn != nil {
		fn(deviceID, outcome)
	}

	if outcome.Kind == OutcomeInitialization {
		m.OpenCeremony(deviceID, "")
	}
}

// OpenCeremony starts an authentication ceremony for a device, superseding
// any active one atomically: the old session's timers and secret buffers
// are discarded before the new session exists.
func (m *Manager) OpenCeremony(deviceID, requestID string) *ceremony.Controller {
	m.mu.Lock()
	old := m.ceremonies[deviceID]
	ctrl := ceremony.New(m.link, m.policy)
	ctrl.SetLogger(m.logger)
	ctrl.OnUpdate(m.emitView)
	m.ceremonies[deviceID] = ctrl
	ctx := m.ctx
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := ctrl.Open(ctx, deviceID, requestID); err != nil {
			m.log().Warn("ceremony open failed", "deviceID", deviceID, "error", err)
		}
	}()
	return ctrl
}

func (m *Manager) emitView(v ceremony.View) {
	m.mu.Lock()
	fn := m.onView
	m.mu.Unlock()
	if fn != nil {
		fn(v)
	}
}

func (m *Manager) emitStatusText(deviceID, text string) {
	m.mu.Lock()
	fn := m.onStatusText
	m.mu.Unlock()
	if fn != nil {
		fn(deviceID, text)
	}
}

func (m *Manager) log() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logger != nil {
		return m.logger
	}
	return slog.New(slog.DiscardHandler)
}

// shortID returns the tail of a device ID for status lines.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
