package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	recordID := "rec-123"

	ch, unsub := bus.Subscribe(recordID)
	defer unsub()

	event := Event{
		RecordID:  recordID,
		Type:      EventTypeRecordEnd,
		Data:      "test-data",
		Timestamp: time.Now().Unix(),
	}
	bus.Publish(event)

	select {
	case received := <-ch:
		assert.Equal(t, event.RecordID, received.RecordID)
		assert.Equal(t, event.Data, received.Data)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	recordID := "rec-456"

	ch, unsub := bus.Subscribe(recordID)
	unsub()

	bus.Publish(Event{RecordID: recordID, Type: EventTypeRecordStart, Data: "should not receive"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	recordID := "rec-multi"

	ch1, unsub1 := bus.Subscribe(recordID)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(recordID)
	defer unsub2()

	bus.Publish(Event{RecordID: recordID, Type: EventTypeRecordEnd, Data: "broadcast"})

	timeout := time.After(1 * time.Second)

	got1 := false
	got2 := false

	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}

	assert.True(t, got1)
	assert.True(t, got2)
}

func TestEventBus_WildcardSubscriber(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("")
	defer unsub()

	bus.Publish(Event{RecordID: "rec-abc", AppID: "app-1", Type: EventTypeFeedbackDone, Data: "relevance"})

	select {
	case evt := <-ch:
		assert.Equal(t, "rec-abc", evt.RecordID)
		assert.Equal(t, EventTypeFeedbackDone, evt.Type)
		assert.NotZero(t, evt.Timestamp)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for wildcard event")
	}
}

func TestEventBus_PublishNoSubscriber(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	// must not panic or block
	bus.Publish(Event{RecordID: "no-such-record", Type: EventTypeRecordStart})
}
