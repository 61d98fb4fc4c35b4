package devicelink

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfClassified(t *testing.T) {
	err := NewError(KindIncorrectPIN, "PIN invalid")
	assert.Equal(t, KindIncorrectPIN, KindOf(err))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("submit failed: %w", err)
	assert.Equal(t, KindIncorrectPIN, KindOf(wrapped))
}

func TestKindOfSniffsUnclassified(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"device disconnected during transfer", KindDisconnected},
		{"usb: no such device", KindDisconnected},
		{"interface already claimed", KindClaimed},
		{"KeepKey Device Already In Use", KindClaimed},
		{"request timed out", KindTimeout},
		{"device already awaiting passphrase", KindAwaitingPassphrase},
		{"Failure: PIN invalid", KindIncorrectPIN},
		{"PIN locked, too many attempts", KindPINLocked},
		{"device busy", KindBusy},
		{"something else entirely", KindUnknown},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(errors.New(tc.msg)), "message: %s", tc.msg)
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindBusy, KindTimeout, KindClaimed, KindUnavailable}
	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}

	fatal := []Kind{
		KindUnknown, KindDisconnected, KindNotFound, KindIncorrectPIN,
		KindPINLocked, KindNotReady, KindAwaitingPassphrase,
	}
	for _, k := range fatal {
		assert.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestWrapErrorNil(t *testing.T) {
	assert.NoError(t, WrapError(KindBusy, nil))
}

func TestLinkErrorUnwrap(t *testing.T) {
	inner := errors.New("transport broke")
	err := WrapError(KindUnavailable, inner)
	require.Error(t, err)
	assert.ErrorIs(t, err, inner)
}

func TestReasonCoversTaxonomy(t *testing.T) {
	kinds := []Kind{
		KindDisconnected, KindNotFound, KindClaimed, KindBusy,
		KindTimeout, KindUnavailable, KindPINLocked, KindNotReady,
	}
	for _, k := range kinds {
		reason := Reason(NewError(k, "driver detail"))
		assert.NotEmpty(t, reason)
		assert.NotContains(t, reason, "driver detail", "%s should not leak raw text", k)
	}

	// Unknown errors surface verbatim.
	assert.Contains(t, Reason(errors.New("weird failure")), "weird failure")
}

func TestValidPosition(t *testing.T) {
	assert.False(t, ValidPosition(0))
	assert.True(t, ValidPosition(1))
	assert.True(t, ValidPosition(9))
	assert.False(t, ValidPosition(10))
}
