// Package ratelimit bounds how fast one user can message one specific other
// user. Budgets are per ordered pair: a capped A->B never throttles B->A.
package ratelimit

import (
	"context"
	"time"
)

const (
	ShortReason = "You are sending messages too quickly. Please wait a few seconds."
	LongReason  = "You have sent too many messages to this user recently. Please try again later."
)

// Window caps the number of messages inside a rolling interval.
type Window struct {
	Name   string
	Size   time.Duration
	Limit  int
	Reason string
}

// Policy is the pair of windows evaluated before every send.
type Policy struct {
	Short Window
	Long  Window
}

// DefaultPolicy allows 5 messages per 10 seconds and 100 per hour.
func DefaultPolicy() Policy {
	return NewPolicy(10*time.Second, 5, time.Hour, 100)
}

// NewPolicy builds a policy with the standard window names and reasons.
func NewPolicy(shortSize time.Duration, shortLimit int, longSize time.Duration, longLimit int) Policy {
	return Policy{
		Short: Window{Name: "short", Size: shortSize, Limit: shortLimit, Reason: ShortReason},
		Long:  Window{Name: "long", Size: longSize, Limit: longLimit, Reason: LongReason},
	}
}

func (p Policy) windows() []Window {
	return []Window{p.Short, p.Long}
}

func (p Policy) longest() time.Duration {
	if p.Long.Size > p.Short.Size {
		return p.Long.Size
	}
	return p.Short.Size
}

// Decision is the outcome of a limit check. Window names the cap that was hit.
// An allowed decision holds a slot in the window until it is released.
type Decision struct {
	Allowed bool
	Reason  string
	Window  string

	release func()
}

// Release gives the slot back when the send it was taken for did not happen.
// It is safe to call on any decision, more than once.
func (d Decision) Release() {
	if d.release != nil {
		d.release()
	}
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(w Window) Decision {
	return Decision{Reason: w.Reason, Window: w.Name}
}

// Limiter decides whether senderID may send another message to receiverID now.
// Callers release an allowed decision when the message is not stored.
type Limiter interface {
	Check(ctx context.Context, senderID, receiverID string) (Decision, error)
}
