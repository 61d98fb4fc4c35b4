// Package devicelink defines the capability contract between the
// authentication flow controller and the hardware wallet driver.
//
// The controller never talks to the device directly. It consumes a Link,
// which exposes the five driver operations (ceremony probe, status query,
// PIN challenge trigger, PIN submission, passphrase submission) plus an
// asynchronous notification stream. Driver failures are classified here,
// at the boundary, into a fixed taxonomy (Kind); higher layers decide on
// retry, surfacing, or session teardown from the classification alone and
// never inspect raw transport error text.
package devicelink
