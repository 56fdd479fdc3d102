package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(zap.NewNop())

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(Event{Type: ExecutionStarted, Subject: "exec-1"})

	select {
	case ev := <-ch:
		assert.Equal(t, ExecutionStarted, ev.Type)
		assert.Equal(t, "exec-1", ev.Subject)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_Filter(t *testing.T) {
	t.Parallel()
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(4, AgentStatusChanged)
	defer cancel()

	bus.Publish(Event{Type: StepStarted})
	bus.Publish(Event{Type: AgentStatusChanged, Subject: "a1"})

	ev := <-ch
	assert.Equal(t, AgentStatusChanged, ev.Type)
	assert.Len(t, ch, 0)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	bus := NewBus(nil)

	_, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: StepFinished})
	}

	published, dropped := bus.Stats()
	assert.Equal(t, int64(5), published)
	assert.Equal(t, int64(4), dropped)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := NewBus(nil)

	ch, cancel := bus.Subscribe(1)
	require.Equal(t, 1, bus.Subscribers())
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_CloseAndNil(t *testing.T) {
	t.Parallel()

	var nilBus *Bus
	assert.NotPanics(t, func() { nilBus.Publish(Event{Type: StepStarted}) })

	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	bus.Close()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.NotPanics(t, func() { bus.Publish(Event{Type: StepStarted}) })

	late, _ := bus.Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	t.Parallel()
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1000)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Type: StepStarted})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}
