package ratelimit

import (
	"context"
	"sync"
	"time"
)

type pairKey struct {
	sender   string
	receiver string
}

// SlidingLog keeps a log of send times per ordered pair. Check and record
// happen under one lock, so concurrent senders cannot overrun a window.
type SlidingLog struct {
	mu     sync.Mutex
	policy Policy
	now    func() time.Time
	events map[pairKey][]time.Time
}

// NewSlidingLog returns an in-memory limiter for the policy.
func NewSlidingLog(policy Policy) *SlidingLog {
	return NewSlidingLogWithClock(policy, time.Now)
}

// NewSlidingLogWithClock is NewSlidingLog with an injectable clock.
func NewSlidingLogWithClock(policy Policy, now func() time.Time) *SlidingLog {
	if now == nil {
		now = time.Now
	}
	return &SlidingLog{
		policy: policy,
		now:    now,
		events: make(map[pairKey][]time.Time),
	}
}

// Check records a send for the pair when both windows have room. Releasing
// the decision removes that record again.
func (l *SlidingLog) Check(_ context.Context, senderID, receiverID string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := pairKey{sender: senderID, receiver: receiverID}
	kept := trim(l.events[key], now.Add(-l.policy.longest()))

	for _, w := range l.policy.windows() {
		if countAfter(kept, now.Add(-w.Size)) >= w.Limit {
			l.store(key, kept)
			return deny(w), nil
		}
	}

	l.events[key] = append(kept, now)
	d := allow()
	var once sync.Once
	d.release = func() {
		once.Do(func() { l.unrecord(key, now) })
	}
	return d, nil
}

// unrecord drops one event at t for key, if it is still in the log.
func (l *SlidingLog) unrecord(key pairKey, t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := l.events[key]
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Equal(t) {
			l.store(key, append(events[:i:i], events[i+1:]...))
			return
		}
	}
}

// Prune drops pairs with no sends inside the longest window and returns how
// many were removed.
func (l *SlidingLog) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.policy.longest())
	removed := 0
	for key, events := range l.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(l.events, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked pairs.
func (l *SlidingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *SlidingLog) store(key pairKey, events []time.Time) {
	if len(events) == 0 {
		delete(l.events, key)
		return
	}
	l.events[key] = events
}

// trim drops leading events at or before cutoff. Events are appended in
// clock order so the log is sorted.
func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	return events[i:]
}

func countAfter(events []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(events) - 1; i >= 0 && events[i].After(cutoff); i-- {
		n++
	}
	return n
}
