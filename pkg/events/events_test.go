package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	assert.Equal(t, 1, broker.SubscriberCount())

	broker.Publish(&Event{
		Type:     EventTaskSubmitted,
		Message:  "submitted",
		Metadata: map[string]string{"task_id": "1"},
	})

	select {
	case event := <-sub:
		require.NotNil(t, event)
		assert.Equal(t, EventTaskSubmitted, event.Type)
		assert.Equal(t, "1", event.Metadata["task_id"])
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberSkipped(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	// Fill the subscriber buffer and keep publishing; the broker must not block
	for i := 0; i < 120; i++ {
		broker.Publish(&Event{Type: EventTaskRunning})
	}

	// Drain whatever was delivered; the rest was dropped, not queued forever
	time.Sleep(50 * time.Millisecond)
	delivered := 0
	for {
		select {
		case <-sub:
			delivered++
			continue
		default:
		}
		break
	}
	assert.LessOrEqual(t, delivered, 50)
	assert.Greater(t, delivered, 0)
}
