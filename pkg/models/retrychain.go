package models

import "time"

// RetryChain is keyed by original job ID (the ID with all "-retryN" suffixes
// stripped) and tracks attempts across the chain of successor jobs. Owned
// exclusively by the Retry Controller — nothing else mutates it.
type RetryChain struct {
	OriginalID    string
	Attempts      int
	MaxAttempts   int
	LastAttemptAt time.Time
	BaseDelay     time.Duration
}
