package demux

import (
	"context"
	"sync"
	"time"

	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/logger"
)

// PushStatus is the downstream sink's reply to one item push
type PushStatus int

const (
	PushOK PushStatus = iota
	PushFlushing
	PushNotLinked
	PushError
)

// Sink is the downstream consumer of one track's items — the seam into the
// host pipeline, which this module does not implement
type Sink interface {
	PushBuffer(data []byte, evt Event) PushStatus
	PushEvent(evt Event) PushStatus
}

// Consumer runs a blocking-pop loop that forwards queue items to a
// downstream Sink. A flushing queue, or a flushing, not-linked or error
// status from the sink, marks the consumer paused (see IsPaused); the loop
// itself keeps popping and forwarding, and the next successful push clears
// the mark. The loop exits when its context is cancelled or the queue is
// closed.
type Consumer struct {
	queue *Queue
	sink  Sink
	log   logger.Logger

	mu     sync.Mutex
	paused bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a Consumer draining queue into sink
func NewConsumer(queue *Queue, sink Sink, log logger.Logger) *Consumer {
	return &Consumer{queue: queue, sink: sink, log: log}
}

// Start launches the blocking-pop loop in its own goroutine
func (c *Consumer) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		c.run(runCtx)
	}()
}

// Stop cancels the consumer loop and waits for it to exit
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.done != nil {
		<-c.done
	}
}

// IsPaused reports whether the last forward attempt paused the consumer
func (c *Consumer) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) setPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

func (c *Consumer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := c.queue.Pop()
		if err != nil {
			c.setPaused(true)
			if errors.IsErrorCode(err, errors.ErrCodeQueueClosed) {
				return
			}
			// Queue is flushing: back off briefly rather than spinning on
			// Pop while SetFlushing(false) is pending.
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		c.setPaused(false)

		var status PushStatus
		switch item.Kind {
		case ItemBuffer:
			status = c.sink.PushBuffer(item.Data, item.Event)
			if item.Buf != nil {
				item.Buf.Release()
			}
		case ItemEvent:
			status = c.sink.PushEvent(item.Event)
		}

		switch status {
		case PushOK:
			c.setPaused(false)
		case PushFlushing, PushNotLinked:
			c.setPaused(true)
		default:
			c.log.Warn("downstream push failed", logger.Int("status", int(status)))
			c.setPaused(true)
		}
	}
}
