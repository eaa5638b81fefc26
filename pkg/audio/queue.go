package audio

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueClosed is returned by [ChunkQueue.Pop] once the queue is closed and
// fully drained.
var ErrQueueClosed = errors.New("audio: queue closed")

// Chunk is one raw uplink message and the time it arrived.
type Chunk struct {
	Data       []byte
	ReceivedAt time.Time
}

// ChunkQueue is a bounded FIFO between the client socket reader and the
// decoder. Push never blocks: when the queue is full the oldest chunk is
// discarded. Safe for one producer and one consumer.
type ChunkQueue struct {
	mu     sync.Mutex
	buf    []Chunk
	head   int
	size   int
	closed bool
	ready  chan struct{}
}

// NewChunkQueue creates a queue that holds at most capacity chunks.
func NewChunkQueue(capacity int) *ChunkQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ChunkQueue{
		buf:   make([]Chunk, capacity),
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues c and reports how many chunks were dropped to make room (0
// or 1). Pushing to a closed queue drops c and reports 1.
func (q *ChunkQueue) Push(c Chunk) (dropped int) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 1
	}
	if q.size == len(q.buf) {
		q.buf[q.head] = Chunk{}
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		dropped = 1
	}
	q.buf[(q.head+q.size)%len(q.buf)] = c
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until a chunk is available, the queue is closed and empty, or
// ctx is done.
func (q *ChunkQueue) Pop(ctx context.Context) (Chunk, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			c := q.buf[q.head]
			q.buf[q.head] = Chunk{}
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.mu.Unlock()
			return c, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Chunk{}, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// Len returns the number of queued chunks.
func (q *ChunkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops intake. Chunks already queued can still be popped.
func (q *ChunkQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
