package sync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressCoalescesIntermediateEvents(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 16)
	sink := newProgressSink(events, clock)

	sink.publish(Event{Path: "a.txt", Bytes: 1})
	sink.publish(Event{Path: "a.txt", Bytes: 2})
	clock.Advance(progressInterval)
	sink.publish(Event{Path: "a.txt", Bytes: 3})
	close(events)

	var got []int64
	for ev := range events {
		got = append(got, ev.Bytes)
	}
	assert.Equal(t, []int64{1, 3}, got)
}

func TestProgressTerminalEventsSkipInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := make(chan Event, 16)
	sink := newProgressSink(events, clock)

	// Two terminal events back to back, well inside the interval, both
	// make it out.
	sink.publish(Event{Path: "a.txt", Bytes: 1})
	sink.publish(Event{Path: "a.txt", Done: true})
	sink.publish(Event{Path: "b.txt", Done: true})
	close(events)

	var done []string
	for ev := range events {
		if ev.Done {
			done = append(done, ev.Path)
		}
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, done)
}

func TestProgressNeverBlocks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	events := make(chan Event) // unbuffered, nobody reading
	sink := newProgressSink(events, clock)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		sink.publish(Event{Path: "a.txt", Bytes: 1})
		sink.publish(Event{Path: "a.txt", Done: true})
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		require.Fail(t, "publish blocked on a full observer channel")
	}
}

func TestProgressNilSink(t *testing.T) {
	var sink *progressSink
	sink.publish(Event{Path: "a.txt"})

	sink = newProgressSink(nil, clockwork.NewFakeClock())
	sink.publish(Event{Path: "a.txt", Done: true})
}
