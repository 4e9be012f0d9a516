// Package demux implements the dynamic half of the engine: the per-track
// producer/consumer loop and the bounded output queue that connects them.
// The static half — playlist parsing, the playlist model, the URI fetcher
// contract, and segment decryption — lives in pkg/hls.
package demux

import (
	"sync"

	"github.com/aminofox/hlsdemux/pkg/errors"
	"github.com/aminofox/hlsdemux/pkg/optimization"
)

// ItemKind distinguishes a queue item's visibility for budget accounting
type ItemKind int

const (
	// ItemBuffer is a decrypted, timestamped payload chunk; counts against
	// the byte budget
	ItemBuffer ItemKind = iota
	// ItemEvent is a sticky event (stream-start, caps, segment, flush
	// markers, end-of-stream); always force-pushed, never budget-limited
	ItemEvent
)

// Item is one heterogeneous element of the Output Queue
type Item struct {
	Kind     ItemKind
	Data     []byte // payload for ItemBuffer
	Event    Event  // payload for ItemEvent
	ByteSize int    // accounted against the budget iff Kind == ItemBuffer
	Buf      *optimization.Buffer // pool-backed storage for Data, if any; released once the consumer has dispatched it
}

// EventType enumerates the sticky/control events a track can emit
type EventType int

const (
	EventStreamStart EventType = iota
	EventCaps
	EventSegment
	EventFlushStart
	EventFlushStop
	EventEndOfStream
)

// Event carries the payload for one EventType
type Event struct {
	Type       EventType
	StreamID   string // 3-digit, demux-wide group id prefixed; set on StreamStart
	Caps       string // MIME-ish content type; set on Caps
	PTS        int64  // nanoseconds; -1 means unset
	DTS        int64  // nanoseconds; -1 means unset
	Duration   int64  // nanoseconds; -1 means unset
	Discont    bool
}

// PTSUnset is the sentinel for an unset pts/dts/duration. A buffer carries a
// pts only when it is the first chunk pushed after a seek (the start time of
// the segment the seek landed on); every other buffer carries PTSUnset.
const PTSUnset int64 = -1

// Queue is the bounded, single-producer/single-consumer FIFO that connects
// a Track to its Consumer. Push of a buffer item blocks while the
// aggregate byte size of visible (buffer) items in the queue meets or
// exceeds ByteBudget; events always bypass the budget via push-force
// semantics.
type Queue struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	items      []Item
	visibleLen int
	byteBudget int
	flushing   bool
	closed     bool
}

// NewQueue creates a Queue with the given byte budget (default 256 KiB, see
// pkg/config.QueueConfig.ByteBudget)
func NewQueue(byteBudget int) *Queue {
	q := &Queue{byteBudget: byteBudget}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push admits a buffer item, blocking while the byte budget is exceeded.
// Returns ErrQueueFlushing if the queue is flushing, ErrQueueClosed if torn
// down, while waiting or on entry.
func (q *Queue) Push(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.flushing && !q.closed && q.visibleLen >= q.byteBudget {
		q.notFull.Wait()
	}

	if q.closed {
		return errors.ErrQueueClosed
	}
	if q.flushing {
		return errors.ErrQueueFlushing
	}

	q.enqueueLocked(item)
	return nil
}

// PushForce admits an item unconditionally, bypassing the byte budget. Used
// for all ItemEvent pushes.
func (q *Queue) PushForce(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.ErrQueueClosed
	}

	q.enqueueLocked(item)
	return nil
}

func (q *Queue) enqueueLocked(item Item) {
	q.items = append(q.items, item)
	if item.Kind == ItemBuffer {
		q.visibleLen += item.ByteSize
	}
	q.notEmpty.Signal()
}

// Pop blocks until an item is available, the queue starts flushing, or the
// queue is closed
func (q *Queue) Pop() (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.flushing && !q.closed {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		if q.closed {
			return Item{}, errors.ErrQueueClosed
		}
		return Item{}, errors.ErrQueueFlushing
	}

	item := q.items[0]
	q.items = q.items[1:]
	if item.Kind == ItemBuffer {
		q.visibleLen -= item.ByteSize
	}
	q.notFull.Signal()

	return item, nil
}

// SetFlushing toggles the flushing flag; concurrent Push/Pop calls wake and
// return ErrQueueFlushing while set
func (q *Queue) SetFlushing(flushing bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushing = flushing
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Flush discards all pending items and resets the visible byte count
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = nil
	q.visibleLen = 0
	q.notFull.Broadcast()
}

// Close tears the queue down; subsequent Push/PushForce return
// ErrQueueClosed, and Pop returns it once any pending items are drained
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// VisibleBytes reports the current aggregate byte size of buffer items
func (q *Queue) VisibleBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.visibleLen
}
