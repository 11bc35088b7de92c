package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSubscribeReceivesMatchingKindOnly(t *testing.T) {
	bus := NewBus(testLogger())

	var health, failures int
	bus.Subscribe(KindHealthChanged, func(e Event) { health++ })
	bus.Subscribe(KindRequestFailure, func(e Event) { failures++ })

	bus.Publish(HealthChanged{Provider: "p1", Time: time.Now()})
	bus.Publish(HealthChanged{Provider: "p2", Time: time.Now()})
	bus.Publish(RequestFailed{Provider: "p1", Time: time.Now()})

	assert.Equal(t, 2, health)
	assert.Equal(t, 1, failures)
}

func TestSubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(testLogger())

	var got []Kind
	bus.SubscribeAll(func(e Event) { got = append(got, e.Kind()) })

	bus.Publish(BudgetExceeded{Provider: "p1", Time: time.Now()})
	bus.Publish(RoutingDecisionMade{Time: time.Now()})

	require.Len(t, got, 2)
	assert.Equal(t, KindBudgetExceeded, got[0])
	assert.Equal(t, KindRoutingDecision, got[1])
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(testLogger())

	var count int
	unsubscribe := bus.Subscribe(KindHealthChanged, func(e Event) { count++ })

	bus.Publish(HealthChanged{Provider: "p1", Time: time.Now()})
	unsubscribe()
	unsubscribe() // second call is a no-op
	bus.Publish(HealthChanged{Provider: "p1", Time: time.Now()})

	assert.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(testLogger())

	var delivered int
	bus.SubscribeAll(func(e Event) { panic("boom") })
	bus.SubscribeAll(func(e Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Publish(RequestFailed{Provider: "p1", Time: time.Now()})
	})
	assert.Equal(t, 1, delivered)
}

func TestPublishIsSafeUnderConcurrency(t *testing.T) {
	bus := NewBus(testLogger())

	var mu sync.Mutex
	var count int
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				bus.Publish(HealthChanged{Provider: "p1", Time: time.Now()})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1000, count)
}

type captureSink struct {
	mu     sync.Mutex
	events []Event
	failed bool
}

func (s *captureSink) Write(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBufferedSinkDeliversAsynchronously(t *testing.T) {
	sink := &captureSink{}
	buffered := NewBufferedSink(sink, SinkConfig{BufferSize: 16, FlushInterval: time.Second}, testLogger())

	bus := NewBus(testLogger())
	bus.SubscribeAll(buffered.Handler())

	bus.Publish(HealthChanged{Provider: "p1", Time: time.Now()})
	bus.Publish(RequestFailed{Provider: "p1", Time: time.Now()})

	assert.Eventually(t, func() bool {
		return sink.len() == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, buffered.Close())
}

func TestBufferedSinkFlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	buffered := NewBufferedSink(sink, SinkConfig{BufferSize: 64, FlushInterval: time.Hour}, testLogger())

	handler := buffered.Handler()
	for i := 0; i < 10; i++ {
		handler(HealthChanged{Provider: "p1", Time: time.Now()})
	}

	require.NoError(t, buffered.Close())
	assert.Equal(t, 10, sink.len())

	// Events after Close are discarded, and closing again is safe.
	handler(HealthChanged{Provider: "p1", Time: time.Now()})
	require.NoError(t, buffered.Close())
	assert.Equal(t, 10, sink.len())
}

func TestBufferedSinkDropsWhenFull(t *testing.T) {
	sink := &captureSink{}
	sink.mu.Lock() // stall the drain worker by holding the sink's lock

	buffered := NewBufferedSink(sink, SinkConfig{BufferSize: 1, FlushInterval: time.Hour}, testLogger())
	handler := buffered.Handler()

	// One event may be in flight in the worker and one fits the buffer;
	// everything beyond that is dropped without blocking.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			handler(HealthChanged{Provider: "p1", Time: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler blocked on a full buffer")
	}

	sink.mu.Unlock()
	require.NoError(t, buffered.Close())
	assert.Less(t, sink.len(), 50)
}
