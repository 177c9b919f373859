package service

import "time"

const (
	longLockAttempts   = 20
	mediumLockAttempts = 10
	longLock           = 24 * time.Hour
	mediumLock         = time.Hour
)

// LockoutDuration is the progressive lock schedule, keyed on the cumulative
// failure count at the moment the lock is applied.
func LockoutDuration(attempts int, defaultDuration time.Duration) time.Duration {
	switch {
	case attempts >= longLockAttempts:
		return longLock
	case attempts >= mediumLockAttempts:
		return mediumLock
	default:
		return defaultDuration
	}
}
