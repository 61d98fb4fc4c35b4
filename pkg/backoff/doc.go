// Package backoff provides the exponential backoff calculator and retry
// helper used for device status polling. Retries stop early on failures
// the devicelink taxonomy marks non-retryable.
package backoff
