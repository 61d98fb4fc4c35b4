// Package linksim provides an in-process simulated hardware wallet
// implementing devicelink.Link. It models the parts of a real device that
// the authentication flow cares about: the scrambled PIN matrix, the PIN
// cache, the failed-attempt lockout counter, optional passphrase
// protection and the bootloader/firmware/initialization flags, and it
// emits the same asynchronous notifications a real transport would.
//
// The simulator backs the interactive CLI and the end-to-end tests; unit
// tests that need scripted failures use the scripted fake in
// internal/linktest instead.
package linksim
