package poller

import "time"

// Outcome classifies one finished poll cycle for the delay policy.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeIdle means no guild tracks any streamer; the network phase
	// was skipped entirely.
	OutcomeIdle
	// OutcomeRateLimited means Twitch answered with a throttling payload.
	OutcomeRateLimited
	// OutcomeFetchError covers any other stream fetch failure.
	OutcomeFetchError
	// OutcomeStoreError means the data file could not be read.
	OutcomeStoreError
	// OutcomeAuthError means no valid app token could be acquired.
	OutcomeAuthError
	// OutcomeDisconnected means the Discord session is down.
	OutcomeDisconnected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeIdle:
		return "idle"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFetchError:
		return "fetch_error"
	case OutcomeStoreError:
		return "store_error"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Policy computes the delay before the next cycle from the outcome of the
// last one. Throttling widens the base interval by 5s and other fetch
// failures by 60s; the widening compounds and is never narrowed back on
// recovery, so a bot that is repeatedly throttled settles into a slower
// rhythm for its lifetime.
type Policy struct {
	base time.Duration
}

// NewPolicy starts from the configured poll interval.
func NewPolicy(base time.Duration) *Policy {
	return &Policy{base: base}
}

// Base returns the current base interval.
func (p *Policy) Base() time.Duration {
	return p.base
}

// Next returns the delay to wait before the next cycle, adjusting the base
// interval where the outcome calls for it.
func (p *Policy) Next(o Outcome) time.Duration {
	switch o {
	case OutcomeIdle:
		// One-shot backoff; the base stays untouched.
		return p.base + 5*time.Second
	case OutcomeRateLimited:
		p.base += 5 * time.Second
		return p.base
	case OutcomeFetchError:
		p.base += time.Minute
		return p.base
	case OutcomeStoreError:
		// Retry on a fixed short delay without touching the schedule.
		return time.Minute
	case OutcomeAuthError, OutcomeDisconnected:
		return 3 * time.Second
	default:
		return p.base
	}
}
