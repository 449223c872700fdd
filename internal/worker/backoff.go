package worker

import "time"

// BackoffConfig describes the empty-poll backoff curve.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// NextBackoff is the pure backoff transition: the sleep after the next empty
// poll given the sleep after the current one. A non-positive current value
// resets to base. Kept separate from any sleeping so it is testable without
// real time.
func NextBackoff(current time.Duration, cfg BackoffConfig) time.Duration {
	if current <= 0 {
		return cfg.Base
	}
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.Max {
		next = cfg.Max
	}
	return next
}
