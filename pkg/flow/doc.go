// Package flow routes resolved device status to the right outcome and
// owns the device-scope event loop.
//
// Decide maps a status snapshot onto one outcome in strict priority
// order: bootloader update, firmware update, initialization/unlock, ready.
// The Manager pumps driver notifications, reconciles push events with
// pull-based fallback status queries, and runs at most one authentication
// ceremony per device.
package flow
