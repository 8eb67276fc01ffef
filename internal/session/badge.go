package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const DefaultBadgeInterval = 30 * time.Second

// UnreadCounter reports the total number of unread messages for a user.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// BadgePoller polls the unread total on a fixed interval, independent of any
// open chat. The count may lag reality by up to one interval.
type BadgePoller struct {
	counter  UnreadCounter
	userID   string
	interval time.Duration
	log      zerolog.Logger
	onChange func(int)

	count atomic.Int64
}

func NewBadgePoller(counter UnreadCounter, userID string, interval time.Duration, log zerolog.Logger, onChange func(int)) *BadgePoller {
	if interval <= 0 {
		interval = DefaultBadgeInterval
	}
	return &BadgePoller{
		counter:  counter,
		userID:   userID,
		interval: interval,
		log:      log.With().Str("component", "badge").Logger(),
		onChange: onChange,
	}
}

// Run polls once immediately and then every interval until ctx is done.
func (p *BadgePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *BadgePoller) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	n, err := p.counter.UnreadCount(ctx, p.userID)
	if err != nil {
		p.log.Debug().Err(err).Msg("poll unread count")
		return
	}
	if old := p.count.Swap(int64(n)); old != int64(n) && p.onChange != nil {
		p.onChange(n)
	}
}

// Count is the last successfully polled total.
func (p *BadgePoller) Count() int {
	return int(p.count.Load())
}
