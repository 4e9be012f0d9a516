package demux

import (
	"sync"
	"testing"
	"time"

	"github.com/aminofox/hlsdemux/pkg/logger"
)

type recordingSink struct {
	mu      sync.Mutex
	buffers [][]byte
	events  []Event
	status  PushStatus
}

func (s *recordingSink) PushBuffer(data []byte, evt Event) PushStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = append(s.buffers, append([]byte(nil), data...))
	return s.status
}

func (s *recordingSink) PushEvent(evt Event) PushStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.status
}

func (s *recordingSink) bufferCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

func (s *recordingSink) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func noopLogger() logger.Logger {
	return logger.NewDefaultLogger(logger.ErrorLevel, "text")
}

func TestConsumerForwardsBuffersAndEvents(t *testing.T) {
	q := NewQueue(1024)
	sink := &recordingSink{status: PushOK}
	consumer := NewConsumer(q, sink, noopLogger())

	consumer.Start(testContext())
	defer consumer.Stop()

	q.PushForce(Item{Kind: ItemEvent, Event: Event{Type: EventStreamStart}})
	q.Push(Item{Kind: ItemBuffer, Data: []byte("payload"), ByteSize: 7})

	waitUntil(t, func() bool { return sink.eventCount() == 1 && sink.bufferCount() == 1 })
}

func TestConsumerPausesOnFlushingStatus(t *testing.T) {
	q := NewQueue(1024)
	sink := &recordingSink{status: PushFlushing}
	consumer := NewConsumer(q, sink, noopLogger())

	consumer.Start(testContext())
	defer consumer.Stop()

	q.Push(Item{Kind: ItemBuffer, Data: []byte("x"), ByteSize: 1})

	waitUntil(t, func() bool { return sink.bufferCount() == 1 })
	waitUntil(t, func() bool { return consumer.IsPaused() })
}

func TestConsumerStopsOnQueueClose(t *testing.T) {
	q := NewQueue(1024)
	sink := &recordingSink{status: PushOK}
	consumer := NewConsumer(q, sink, noopLogger())

	consumer.Start(testContext())
	q.Close()

	done := make(chan struct{})
	go func() {
		consumer.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Consumer.Stop to return after the queue closed")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
