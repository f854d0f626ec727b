package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *captureSink) Emit(_ context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *captureSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestDispatcher_closeDrainsBufferedEvents(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(sink, 16, time.Second, zap.NewNop())

	for i := 0; i < 10; i++ {
		d.Record(Event{Type: EventLoginFailed, Subject: "a***@x.com"})
	}
	d.Close()

	events := sink.snapshot()
	assert.Len(t, events, 10)
	assert.False(t, events[0].At.IsZero())
	assert.Zero(t, d.Dropped())

	// recording after close is ignored
	d.Record(Event{Type: EventLogout})
	assert.Len(t, sink.snapshot(), 10)
}

func TestDispatcher_dropsWhenFull(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, time.Second, zap.NewNop())

	// the goroutine takes the first event and blocks in the sink; one more fills the buffer
	d.Record(Event{Type: EventLogout})
	require.Eventually(t, func() bool { return len(d.ch) == 0 }, time.Second, time.Millisecond)
	d.Record(Event{Type: EventLogout})
	d.Record(Event{Type: EventLogout})
	d.Record(Event{Type: EventLogout})

	assert.Equal(t, uint64(2), d.Dropped())
	close(sink.block)
	d.Close()
	assert.Len(t, sink.snapshot(), 2)
}

func TestDispatcher_sinkErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sink := &captureSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, 4, time.Second, zap.New(core))

	d.Record(Event{Type: EventAccountLocked})
	d.Close()

	require.Equal(t, 1, logs.FilterMessage("audit emit failed").Len())
}

func TestNilDispatcherIsSafe(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() {
		d.Record(Event{Type: EventLogout})
		d.Close()
	})
	assert.Zero(t, d.Dropped())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Emit(context.Background(), Event{Type: EventDeviceRevoked, UserID: "u1", DeviceID: "d1"}))

	entries := logs.FilterMessage(string(EventDeviceRevoked)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].ContextMap()["user_id"])
}
