// Package cacher keeps short-lived copies of recently broadcast payloads so
// that sessions connecting later can be brought up to date.
package cacher

import "time"

// Cacher stores encoded payloads by key with a time-to-live. Implementations
// are safe for concurrent use.
type Cacher interface {
	// Get returns the payload stored under key, if present and not expired.
	Get(key string) ([]byte, bool)

	// Set stores value under key for ttl. A ttl of 0 uses the cache default.
	Set(key string, value []byte, ttl time.Duration)

	// Delete removes key; missing keys are ignored.
	Delete(key string)

	// ItemCount returns the number of stored entries, including expired ones
	// not yet cleaned up.
	ItemCount() int
}
