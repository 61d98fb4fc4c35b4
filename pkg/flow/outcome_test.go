package flow_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/devicelink"
	"github.com/BitHighlander/keepkey-bitcoin-only/pkg/flow"
)

func TestDecidePriorityOrder(t *testing.T) {
	// Bootloader first, even when everything else is flagged too: firmware
	// state is unreliable below the minimum bootloader version.
	all := &devicelink.Status{
		NeedsBootloaderUpdate: true,
		BootloaderUpdate:      &devicelink.UpdateDetail{CurrentVersion: "1.0.3", TargetVersion: "2.1.4"},
		NeedsFirmwareUpdate:   true,
		FirmwareUpdate:        &devicelink.UpdateDetail{CurrentVersion: "6.0.0", TargetVersion: "7.1.0"},
		NeedsInitialization:   true,
	}
	o := flow.Decide(all)
	assert.Equal(t, flow.OutcomeBootloaderUpdate, o.Kind)
	assert.Equal(t, "2.1.4", o.Detail.TargetVersion)

	all.NeedsBootloaderUpdate = false
	o = flow.Decide(all)
	assert.Equal(t, flow.OutcomeFirmwareUpdate, o.Kind)
	assert.Equal(t, "7.1.0", o.Detail.TargetVersion)

	all.NeedsFirmwareUpdate = false
	o = flow.Decide(all)
	assert.Equal(t, flow.OutcomeInitialization, o.Kind)
	assert.Nil(t, o.Detail)

	all.NeedsInitialization = false
	o = flow.Decide(all)
	assert.Equal(t, flow.OutcomeReady, o.Kind)
}

func TestOutcomeStatusText(t *testing.T) {
	assert.Equal(t, "Bootloader update needed", flow.OutcomeBootloaderUpdate.StatusText())
	assert.Equal(t, "Firmware update needed", flow.OutcomeFirmwareUpdate.StatusText())
	assert.Equal(t, "Device setup needed", flow.OutcomeInitialization.StatusText())
	assert.Equal(t, "Device ready", flow.OutcomeReady.StatusText())
}
