package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/wacli/internal/events"
)

// CounterSnapshot is a copy of the daily counters.
type CounterSnapshot struct {
	Messages  int64
	Replies   int64
	Failures  int64
	LastReply time.Time
}

// DailyCounters counts routed messages, replies and failures, resetting
// at local midnight. LastReply is not reset. Safe for concurrent use.
type DailyCounters struct {
	mu        sync.Mutex
	messages  int64
	replies   int64
	failures  int64
	lastReply time.Time
	resetDay  int // day-of-year of last reset
	loc       *time.Location
}

// NewDailyCounters creates counters that roll over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	return &DailyCounters{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// Observe counts one router event. Other events are ignored.
func (d *DailyCounters) Observe(e events.Event) {
	if e.Source != events.SourceRouter {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()

	switch e.Kind {
	case events.KindMessageReceived:
		d.messages++
	case events.KindReplySent:
		d.replies++
		d.lastReply = e.Timestamp
	case events.KindForwardFailed, events.KindReplyFailed:
		d.failures++
	}
}

// Run feeds the counters from bus until ctx is cancelled.
func (d *DailyCounters) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			d.Observe(e)
		}
	}
}

// Snapshot returns the counters after checking for midnight rollover.
func (d *DailyCounters) Snapshot() CounterSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return CounterSnapshot{
		Messages:  d.messages,
		Replies:   d.replies,
		Failures:  d.failures,
		LastReply: d.lastReply,
	}
}

// maybeReset zeroes the daily counts when the local day changed. Must
// be called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.messages = 0
		d.replies = 0
		d.failures = 0
		d.resetDay = today
	}
}
