package sync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event is one progress record on the observer stream. Intermediate
// events are coalesced per path; terminal events (Done true) skip the
// coalescing interval, but both kinds are dropped rather than ever
// blocking a transfer worker on a slow observer.
type Event struct {
	Path   string
	Action ActionType
	Bytes  int64
	Total  int64
	Done   bool
	Err    error
}

// progressInterval is the minimum spacing between intermediate events for
// one path.
const progressInterval = 200 * time.Millisecond

// progressSink publishes events to an optional observer channel without
// ever blocking the transfer workers: if the observer lags, intermediate
// events are dropped.
type progressSink struct {
	events chan<- Event
	clock  clockwork.Clock

	mu   sync.Mutex
	last map[string]time.Time
}

func newProgressSink(events chan<- Event, clock clockwork.Clock) *progressSink {
	return &progressSink{
		events: events,
		clock:  clock,
		last:   map[string]time.Time{},
	}
}

func (p *progressSink) publish(ev Event) {
	if p == nil || p.events == nil {
		return
	}

	if !ev.Done {
		p.mu.Lock()
		now := p.clock.Now()
		if last, seen := p.last[ev.Path]; seen && now.Sub(last) < progressInterval {
			p.mu.Unlock()
			return
		}
		p.last[ev.Path] = now
		p.mu.Unlock()
	} else {
		p.mu.Lock()
		delete(p.last, ev.Path)
		p.mu.Unlock()
	}

	select {
	case p.events <- ev:
	default:
	}
}
