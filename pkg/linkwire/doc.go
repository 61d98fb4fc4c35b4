// Package linkwire carries the devicelink contract over a TCP connection
// using length-prefixed CBOR frames, so a headless bridge process can own
// the USB transport while clients drive ceremonies remotely.
//
// A Server wraps any devicelink.Link and serves it to multiple clients,
// fanning out notifications to each. A Client implements devicelink.Link
// over a single connection. Bridges announce themselves over mDNS as
// "_keepkey-bridge._tcp" services.
package linkwire
