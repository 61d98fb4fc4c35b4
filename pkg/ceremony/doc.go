// Package ceremony implements the device authentication flow controller:
// the state machine that walks a user through the PIN entry and optional
// passphrase entry ceremonies of a hardware wallet.
//
// A Controller owns exactly one Session. All state lives on the Session and
// every step change goes through one versioned transition primitive, so the
// two concurrent signal sources (driver notifications and call returns,
// including the timers that adjudicate races between them) are serialized
// and a stale race loser is dropped instead of applied.
//
// Secrets are buffered only while their entry step is active and are wiped
// synchronously on every exit path from that step.
package ceremony
