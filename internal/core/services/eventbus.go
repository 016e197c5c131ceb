package services

import (
	"log/slog"
	"sync"
	"time"
)

type EventType string

const (
	EventTypeRecordStart  EventType = "record_start"
	EventTypeRecordEnd    EventType = "record_end"
	EventTypeFeedbackDone EventType = "feedback_done"
)

// Event is one record-lifecycle notification, keyed by the record it
// concerns.
type Event struct {
	RecordID  string
	AppID     string
	Type      EventType
	Data      string // JSON payload or raw text
	Timestamp int64
}

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Event // key: RecordID, "" for all records
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Event),
	}
}

// Subscribe returns a channel that receives events for one record, or for
// every record when recordID is empty.
func (b *EventBus) Subscribe(recordID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 100) // buffer to prevent blocking publisher
	b.subs[recordID] = append(b.subs[recordID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[recordID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[recordID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[recordID]) == 0 {
			delete(b.subs, recordID)
		}
	}

	return ch, unsub
}

// Publish sends an event to subscribers of its record and to wildcard
// subscribers.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{e.RecordID, ""} {
		for _, ch := range b.subs[key] {
			select {
			case ch <- e:
			default:
				// If channel is full, drop event to prevent blocking recording
				b.logger.Warn("event bus channel full, dropping event", "record_id", e.RecordID)
			}
		}
	}
}
