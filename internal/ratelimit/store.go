package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// SentCounter counts messages one user sent another since a point in time.
type SentCounter interface {
	CountSentSince(ctx context.Context, senderID, receiverID string, since time.Time) (int, error)
}

// StoreLimiter derives window counts from the message store itself. Check
// and the following send are not atomic, so two concurrent sends can both pass.
type StoreLimiter struct {
	counter SentCounter
	policy  Policy
	now     func() time.Time
}

func NewStoreLimiter(counter SentCounter, policy Policy) *StoreLimiter {
	return &StoreLimiter{counter: counter, policy: policy, now: time.Now}
}

// WithClock replaces the limiter clock. It returns the limiter for chaining.
func (l *StoreLimiter) WithClock(now func() time.Time) *StoreLimiter {
	l.now = now
	return l
}

func (l *StoreLimiter) Check(ctx context.Context, senderID, receiverID string) (Decision, error) {
	now := l.now()
	for _, w := range l.policy.windows() {
		n, err := l.counter.CountSentSince(ctx, senderID, receiverID, now.Add(-w.Size))
		if err != nil {
			return Decision{}, fmt.Errorf("count %s window: %w", w.Name, err)
		}
		if n >= w.Limit {
			return deny(w), nil
		}
	}
	return allow(), nil
}
