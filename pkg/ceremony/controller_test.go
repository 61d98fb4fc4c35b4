package ceremony_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BitHighlander/keepkey-bitcoin-only/internal/linktest"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/ceremony"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
)

const testDevice = "kk-0001"

// fastPolicy keeps timer-driven transitions short enough for tests.
func fastPolicy() ceremony.Policy {
	return ceremony.Policy{
		RaceWindow:   40 * time.Millisecond,
		ConfirmDelay: 20 * time.Millisecond,
		FailureGrace: 20 * time.Millisecond,
	}
}

func openController(t *testing.T, link *linktest.Link, requestID string) *ceremony.Controller {
	t.Helper()
	ctrl := ceremony.New(link, fastPolicy())
	require.NoError(t, ctrl.Open(context.Background(), testDevice, requestID))
	return ctrl
}

// enterPinEntry scripts a link so that readiness resolution lands in
// PIN entry via the in-flow probe.
func enterPinEntry(t *testing.T) (*linktest.Link, *ceremony.Controller) {
	t.Helper()
	link := linktest.New()
	link.InPINFn = func(context.Context, string) (bool, error) { return true, nil }
	ctrl := openController(t, link, "")
	require.Equal(t, ceremony.StepPinEntry, ctrl.Step())
	return link, ctrl
}

func pressAll(t *testing.T, ctrl *ceremony.Controller, positions ...devicelink.Position) {
	t.Helper()
	for _, p := range positions {
		require.NoError(t, ctrl.PressPIN(p))
	}
}

func waitForStep(t *testing.T, ctrl *ceremony.Controller, want ceremony.Step) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Step() == want
	}, 2*time.Second, 5*time.Millisecond, "expected step %s, still %s", want, ctrl.Step())
}

// Scenario A: device already mid PIN ceremony at open time.
func TestOpenInFlowPINCeremony(t *testing.T) {
	link := linktest.New()
	link.InPINFn = func(context.Context, string) (bool, error) { return true, nil }

	ctrl := openController(t, link, "")

	assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())
	assert.Zero(t, link.MutationCalls(), "in-flow resolution must not mutate device state")
}

// Scenario B: PIN already cached and no passphrase solicitation pending.
func TestOpenCachedPINCompletesImmediately(t *testing.T) {
	link := linktest.New()
	link.StatusFn = func(_ context.Context, deviceID string) (*devicelink.Status, error) {
		return &devicelink.Status{DeviceID: deviceID, Initialized: true, PINCached: true}, nil
	}

	var views []ceremony.View
	ctrl := ceremony.New(link, fastPolicy())
	ctrl.OnUpdate(func(v ceremony.View) { views = append(views, v) })
	require.NoError(t, ctrl.Open(context.Background(), testDevice, ""))

	assert.Equal(t, ceremony.StepSuccess, ctrl.Step())
	assert.Equal(t, ceremony.OutcomeCompleted, ctrl.View().Outcome)
	assert.Zero(t, link.MutationCalls())
	for _, v := range views {
		assert.NotEqual(t, ceremony.StepPinEntry, v.Step, "no entry dialog may be shown")
		assert.NotEqual(t, ceremony.StepPassphraseEntry, v.Step)
	}
}

func TestOpenCachedPINWithRequestIDEntersPassphrase(t *testing.T) {
	link := linktest.New()
	link.StatusFn = func(_ context.Context, deviceID string) (*devicelink.Status, error) {
		return &devicelink.Status{DeviceID: deviceID, Initialized: true, PINCached: true}, nil
	}

	ctrl := openController(t, link, "r42")
	require.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())

	// The remembered request ID is echoed on submission.
	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "hunter2"))
	calls := link.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "SubmitPassphrase", last.Op)
	assert.Equal(t, "r42", last.RequestID)
}

func TestOpenTriggerSucceedsIntoPinEntry(t *testing.T) {
	link := linktest.New() // trigger defaults to true
	ctrl := openController(t, link, "")

	assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())
	assert.Equal(t, 1, link.CallCount("TriggerPINChallenge"))
}

func TestOpenTriggerFalseResolvesPassphrase(t *testing.T) {
	link := linktest.New()
	link.TriggerFn = func(context.Context, string) (bool, error) { return false, nil }

	ctrl := openController(t, link, "")
	assert.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())
}

// Open question from the source: an awaiting-passphrase trigger error
// resolves into passphrase entry WITHOUT preemptively consuming the
// single-submission budget.
func TestTriggerAwaitingPassphraseDoesNotConsumeSubmission(t *testing.T) {
	link := linktest.New()
	link.TriggerFn = func(context.Context, string) (bool, error) {
		return false, devicelink.NewError(devicelink.KindAwaitingPassphrase, "device already awaiting passphrase")
	}

	ctrl := openController(t, link, "")
	require.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())

	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "secret"))
	assert.Equal(t, 1, link.CallCount("SubmitPassphrase"))
}

func TestOpenTriggerFailureResolvesTriggerWithReason(t *testing.T) {
	link := linktest.New()
	link.TriggerFn = func(context.Context, string) (bool, error) {
		return false, devicelink.NewError(devicelink.KindClaimed, "interface already claimed")
	}

	ctrl := openController(t, link, "")
	require.Equal(t, ceremony.StepTrigger, ctrl.Step())
	assert.Contains(t, ctrl.View().ErrorText, "another application")

	// Explicit retry from Trigger works once the device frees up.
	link.TriggerFn = nil
	require.NoError(t, ctrl.RequestPINChallenge(context.Background()))
	assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())
}

func TestOpenTwiceRejected(t *testing.T) {
	link := linktest.New()
	ctrl := openController(t, link, "")
	assert.ErrorIs(t, ctrl.Open(context.Background(), testDevice, ""), ceremony.ErrAlreadyOpen)
}

func TestPINEditing(t *testing.T) {
	_, ctrl := enterPinEntry(t)

	pressAll(t, ctrl, 1, 2, 3)
	assert.Equal(t, 3, ctrl.View().PINLength)

	require.NoError(t, ctrl.BackspacePIN())
	assert.Equal(t, 2, ctrl.View().PINLength)

	require.NoError(t, ctrl.ClearPIN())
	assert.Equal(t, 0, ctrl.View().PINLength)

	assert.ErrorIs(t, ctrl.PressPIN(0), ceremony.ErrInvalidPosition)
	assert.ErrorIs(t, ctrl.PressPIN(10), ceremony.ErrInvalidPosition)
}

// Boundary: exactly nine positions accepted, the tenth press is ignored.
func TestPINCapAtNinePositions(t *testing.T) {
	link, ctrl := enterPinEntry(t)

	pressAll(t, ctrl, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	require.NoError(t, ctrl.PressPIN(5)) // ignored
	assert.Equal(t, 9, ctrl.View().PINLength)

	require.NoError(t, ctrl.SubmitPIN(context.Background()))
	calls := link.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, "SubmitPIN", last.Op)
	assert.Len(t, last.Positions, 9)
}

// Boundary: an empty PIN is rejected locally, no device call.
func TestSubmitEmptyPINRejectedLocally(t *testing.T) {
	link, ctrl := enterPinEntry(t)

	assert.ErrorIs(t, ctrl.SubmitPIN(context.Background()), ceremony.ErrEmptyPIN)
	assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())
	assert.Zero(t, link.CallCount("SubmitPIN"))
	assert.NotEmpty(t, ctrl.View().ErrorText)
}

// Scenario C: accepted PIN, no solicitation inside the race window.
func TestSubmitPINCompletesAfterRaceWindow(t *testing.T) {
	_, ctrl := enterPinEntry(t)
	pressAll(t, ctrl, 1, 2, 3, 4)

	require.NoError(t, ctrl.SubmitPIN(context.Background()))
	assert.Equal(t, ceremony.StepPinSubmitting, ctrl.Step())

	waitForStep(t, ctrl, ceremony.StepSuccess)
	assert.Equal(t, ceremony.OutcomeCompleted, ctrl.View().Outcome)
}

// Scenario D: a passphrase solicitation wins the race; the pending timer
// must have no effect afterwards.
func TestSolicitationWinsRaceOverTimeout(t *testing.T) {
	link, ctrl := enterPinEntry(t)
	pressAll(t, ctrl, 1, 2, 3, 4)
	require.NoError(t, ctrl.SubmitPIN(context.Background()))

	require.True(t, ctrl.HandlePassphraseSolicited("r1"))
	assert.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())

	// Let the would-be race timer deadline pass; the state must hold.
	time.Sleep(3 * fastPolicy().RaceWindow)
	assert.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())

	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "mellon"))
	calls := link.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "r1", last.RequestID)
}

func TestSolicitationIgnoredOutsidePinSubmitting(t *testing.T) {
	_, ctrl := enterPinEntry(t)
	assert.False(t, ctrl.HandlePassphraseSolicited("r9"), "only PinSubmitting accepts solicitations")
	assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())
}

// Scenario E: three incorrect PINs in a row.
func TestIncorrectPINCountsAndWarns(t *testing.T) {
	link, ctrl := enterPinEntry(t)
	link.SubmitPINFn = func(context.Context, string, []devicelink.Position) (bool, error) {
		return false, devicelink.NewError(devicelink.KindIncorrectPIN, "PIN invalid")
	}

	for i := 1; i <= 3; i++ {
		pressAll(t, ctrl, 1, 2, 3, 4)
		require.Error(t, ctrl.SubmitPIN(context.Background()))
		assert.Equal(t, ceremony.StepPinEntry, ctrl.Step())

		v := ctrl.View()
		assert.Equal(t, i, v.AttemptCount)
		assert.Equal(t, 0, v.PINLength, "buffer must be cleared after rejection")
		if i < 3 {
			assert.NotContains(t, v.ErrorText, "lock")
		} else {
			assert.Contains(t, v.ErrorText, "lock")
		}
	}
}

func TestPINLockedRoutesToTrigger(t *testing.T) {
	link, ctrl := enterPinEntry(t)
	link.SubmitPINFn = func(context.Context, string, []devicelink.Position) (bool, error) {
		return false, devicelink.NewError(devicelink.KindPINLocked, "too many attempts")
	}

	pressAll(t, ctrl, 1, 2, 3, 4)
	require.Error(t, ctrl.SubmitPIN(context.Background()))

	assert.Equal(t, ceremony.StepTrigger, ctrl.Step())
	assert.Contains(t, ctrl.View().ErrorText, "Wait")
}

func TestPINDisconnectDestroysSession(t *testing.T) {
	link, ctrl := enterPinEntry(t)
	link.SubmitPINFn = func(context.Context, string, []devicelink.Position) (bool, error) {
		return false, devicelink.NewError(devicelink.KindDisconnected, "device disconnected")
	}

	pressAll(t, ctrl, 1, 2, 3, 4)
	require.Error(t, ctrl.SubmitPIN(context.Background()))

	v := ctrl.View()
	assert.Equal(t, ceremony.StepFailed, v.Step)
	assert.Equal(t, ceremony.OutcomeFailed, v.Outcome)
	assert.Equal(t, devicelink.KindDisconnected, v.FailureKind)
}

func enterPassphraseEntry(t *testing.T) (*linktest.Link, *ceremony.Controller) {
	t.Helper()
	link := linktest.New()
	link.TriggerFn = func(context.Context, string) (bool, error) { return false, nil }
	ctrl := openController(t, link, "")
	require.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())
	return link, ctrl
}

func TestPassphraseSuccessConfirmsAfterDelay(t *testing.T) {
	_, ctrl := enterPassphraseEntry(t)

	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "correct horse"))
	waitForStep(t, ctrl, ceremony.StepSuccess)
	assert.Equal(t, ceremony.OutcomeCompleted, ctrl.View().Outcome)
}

func TestPassphraseSkipSubmitsEmpty(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)

	require.NoError(t, ctrl.SkipPassphrase(context.Background()))
	calls := link.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, "SubmitPassphrase", last.Op)
	assert.Empty(t, last.Passphrase)

	waitForStep(t, ctrl, ceremony.StepSuccess)
}

// Property: at most one SubmitPassphrase per session unless a timeout or
// generic error explicitly reverted the submission.
func TestPassphraseSingleSubmissionAfterSuccess(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)

	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "one"))
	err := ctrl.SubmitPassphrase(context.Background(), "two")
	assert.ErrorIs(t, err, ceremony.ErrWrongStep)
	assert.Equal(t, 1, link.CallCount("SubmitPassphrase"))
}

func TestPassphraseTimeoutRevertsForRetry(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)
	link.SubmitPassphraseFn = func(context.Context, string, string, []byte) error {
		return devicelink.NewError(devicelink.KindTimeout, "request timed out")
	}

	require.Error(t, ctrl.SubmitPassphrase(context.Background(), "slow"))
	assert.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())
	assert.NotEmpty(t, ctrl.View().ErrorText)

	// The reversion re-arms the single submission: retry reaches the device.
	link.SubmitPassphraseFn = nil
	require.NoError(t, ctrl.SubmitPassphrase(context.Background(), "retry"))
	assert.Equal(t, 2, link.CallCount("SubmitPassphrase"))
	waitForStep(t, ctrl, ceremony.StepSuccess)
}

func TestPassphraseNotReadyTerminatesWithoutRetry(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)
	link.SubmitPassphraseFn = func(context.Context, string, string, []byte) error {
		return devicelink.NewError(devicelink.KindNotReady, "unexpected message")
	}

	require.Error(t, ctrl.SubmitPassphrase(context.Background(), "secret"))
	waitForStep(t, ctrl, ceremony.StepFailed)

	v := ctrl.View()
	assert.Equal(t, ceremony.OutcomeFailed, v.Outcome)
	assert.Equal(t, devicelink.KindNotReady, v.FailureKind)
	assert.Equal(t, 1, link.CallCount("SubmitPassphrase"))
}

func TestPassphraseGenericErrorSurfacedVerbatim(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)
	link.SubmitPassphraseFn = func(context.Context, string, string, []byte) error {
		return devicelink.NewError(devicelink.KindUnknown, "firmware glitch 0x17")
	}

	require.Error(t, ctrl.SubmitPassphrase(context.Background(), "secret"))
	assert.Equal(t, ceremony.StepPassphraseEntry, ctrl.Step())
	assert.Contains(t, ctrl.View().ErrorText, "firmware glitch 0x17")
}

// Scenario F: disconnect notification while a passphrase is in flight.
func TestDisconnectDuringPassphraseSubmission(t *testing.T) {
	link, ctrl := enterPassphraseEntry(t)
	link.SubmitPassphraseFn = func(context.Context, string, string, []byte) error {
		// The disconnect lands while the call is outstanding; the call
		// itself then fails with a timeout that must be dropped as stale.
		ctrl.HandleDisconnect()
		return devicelink.NewError(devicelink.KindTimeout, "request timed out")
	}

	require.Error(t, ctrl.SubmitPassphrase(context.Background(), "secret"))

	v := ctrl.View()
	assert.Equal(t, ceremony.StepFailed, v.Step)
	assert.Equal(t, ceremony.OutcomeFailed, v.Outcome)
	assert.Equal(t, devicelink.KindDisconnected, v.FailureKind)

	// The stale timeout outcome must not resurrect the session.
	time.Sleep(3 * fastPolicy().RaceWindow)
	assert.Equal(t, ceremony.StepFailed, ctrl.Step())
}

// Idempotence: cancelling twice equals cancelling once.
func TestCancelIdempotent(t *testing.T) {
	_, ctrl := enterPinEntry(t)

	assert.True(t, ctrl.Cancel())
	first := ctrl.View()
	assert.False(t, ctrl.Cancel())
	second := ctrl.View()

	assert.Equal(t, ceremony.StepCancelled, first.Step)
	assert.Equal(t, first.Step, second.Step)
	assert.Equal(t, first.Outcome, second.Outcome)
}

func TestCancelDeferredWhileSubmitting(t *testing.T) {
	link, ctrl := enterPinEntry(t)

	release := make(chan struct{})
	link.SubmitPINFn = func(context.Context, string, []devicelink.Position) (bool, error) {
		<-release
		return true, nil
	}

	pressAll(t, ctrl, 1, 2, 3, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.SubmitPIN(context.Background())
	}()

	waitForStep(t, ctrl, ceremony.StepPinSubmitting)
	assert.False(t, ctrl.Cancel(), "cancel must be a no-op while a call is in flight")
	assert.Equal(t, ceremony.StepPinSubmitting, ctrl.Step())

	close(release)
	<-done
	waitForStep(t, ctrl, ceremony.StepSuccess)
}

func TestCloseSupersedesMidSubmission(t *testing.T) {
	link, ctrl := enterPinEntry(t)

	release := make(chan struct{})
	link.SubmitPINFn = func(context.Context, string, []devicelink.Position) (bool, error) {
		<-release
		return true, nil
	}

	pressAll(t, ctrl, 1, 2, 3, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.SubmitPIN(context.Background())
	}()

	waitForStep(t, ctrl, ceremony.StepPinSubmitting)
	ctrl.Close()
	assert.Equal(t, ceremony.StepCancelled, ctrl.Step())

	// The superseded call's return must not be applied.
	close(release)
	<-done
	time.Sleep(3 * fastPolicy().RaceWindow)
	assert.Equal(t, ceremony.StepCancelled, ctrl.Step())
}

func TestOperationsBeforeOpen(t *testing.T) {
	ctrl := ceremony.New(linktest.New(), ceremony.Policy{})

	assert.ErrorIs(t, ctrl.PressPIN(1), ceremony.ErrNoSession)
	assert.ErrorIs(t, ctrl.SubmitPIN(context.Background()), ceremony.ErrNoSession)
	assert.ErrorIs(t, ctrl.SubmitPassphrase(context.Background(), "x"), ceremony.ErrNoSession)
	assert.False(t, ctrl.Cancel())
}
