package mcpserver

import (
	"strconv"
	"sync"
)

// defaultEventBufferSize bounds how many events a stream retains for replay.
const defaultEventBufferSize = 256

// Event is one server-push message recorded on a session's stream. IDs are
// per-stream, start at 1, and increase by one per event, so "replay after id
// N" has an unambiguous meaning.
type Event struct {
	ID   uint64
	Data []byte
}

// SSEID renders the event id the way it appears on the wire.
func (e Event) SSEID() string {
	return strconv.FormatUint(e.ID, 10)
}

// EventLog records the events pushed on one session's stream so a client that
// reconnects with a Last-Event-ID header can catch up. The log keeps at most
// bufferSize recent events; older events are gone and a replay request that
// predates the buffer resumes from the oldest retained event.
type EventLog struct {
	mu         sync.Mutex
	nextID     uint64
	events     []Event
	bufferSize int
}

// NewEventLog constructs an event log with the default retention.
func NewEventLog() *EventLog {
	return &EventLog{nextID: 1, bufferSize: defaultEventBufferSize}
}

// Append records data as the next event and returns it with its assigned id.
func (l *EventLog) Append(data []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{ID: l.nextID, Data: data}
	l.nextID++
	l.events = append(l.events, ev)
	if len(l.events) > l.bufferSize {
		l.events = l.events[len(l.events)-l.bufferSize:]
	}
	return ev
}

// ReplayAfter returns the retained events recorded strictly after lastID, in
// original order. An unknown or future lastID yields nothing.
func (l *EventLog) ReplayAfter(lastID uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, ev := range l.events {
		if ev.ID > lastID {
			out := make([]Event, len(l.events)-i)
			copy(out, l.events[i:])
			return out
		}
	}
	return nil
}

// ParseLastEventID parses a Last-Event-ID header value. Anything unparseable
// is treated as "no resumption point": the stream starts fresh.
func ParseLastEventID(raw string) (uint64, bool) {
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
