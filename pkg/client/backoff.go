package client

import "time"

// BackoffPolicy is a two-tier polling schedule: a fast tier of closely
// spaced polls to catch quickly-completing work with low latency, then a
// slow tier for long-running work. Delays are non-decreasing across tiers.
// The tier boundaries are tunable policy, not part of the protocol.
type BackoffPolicy struct {
	// FastDelay is the delay between polls in the fast tier.
	FastDelay time.Duration

	// FastPolls is how many polls run at FastDelay before switching tiers.
	FastPolls int

	// SlowDelay is the delay between polls after the fast tier.
	SlowDelay time.Duration
}

// DefaultBackoffPolicy returns the default schedule: 10 polls at 250ms,
// then 2s between polls.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		FastDelay: 250 * time.Millisecond,
		FastPolls: 10,
		SlowDelay: 2 * time.Second,
	}
}

// Delay returns the wait before the given poll. poll is 1-based: poll 1 is
// the first resubmission after the initial request.
func (p BackoffPolicy) Delay(poll int) time.Duration {
	if poll <= p.FastPolls {
		return p.FastDelay
	}
	return p.SlowDelay
}
