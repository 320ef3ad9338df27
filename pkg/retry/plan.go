package retry

import "time"

// Plan is the full schedule of attempts for one operation.
type Plan struct {
	Key         string     `json:"key"`
	Schedule    []Schedule `json:"schedule"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Schedule is one planned attempt.
type Schedule struct {
	AttemptIndex int `json:"attempt_index"`
	// Delay is the wait before this attempt; zero for the first.
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// NewPlan lays out every attempt of policy for key, starting at now.
func NewPlan(key string, policy Policy, now time.Time) *Plan {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	schedule := make([]Schedule, attempts)

	at := now
	for i := 0; i < attempts; i++ {
		var delay time.Duration
		if i > 0 {
			// first retry waits Base
			delay = ComputeBackoff(BackoffParams{Key: key, AttemptIndex: i - 1}, policy)
		}
		at = at.Add(delay)
		schedule[i] = Schedule{AttemptIndex: i, Delay: delay, ScheduledAt: at}
	}

	return &Plan{
		Key:         key,
		Schedule:    schedule,
		MaxAttempts: attempts,
		CreatedAt:   now,
	}
}

// Delay returns the wait before attempt i.
func (p *Plan) Delay(i int) time.Duration {
	if i <= 0 || i >= len(p.Schedule) {
		return 0
	}
	return p.Schedule[i].Delay
}
