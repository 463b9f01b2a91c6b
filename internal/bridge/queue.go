package bridge

import (
	"context"
	"sync"
)

// audioQueue is an unbounded FIFO of PCM chunks with one producer (the
// receive loop) and one consumer (the drain loop). Push never blocks.
type audioQueue struct {
	notify chan struct{}

	mu    sync.Mutex
	items [][]byte
}

func newAudioQueue() *audioQueue {
	return &audioQueue{notify: make(chan struct{}, 1)}
}

func (q *audioQueue) Push(chunk []byte) {
	q.mu.Lock()
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop blocks until a chunk is available or ctx is done.
func (q *audioQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return chunk, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

// Clear drops every pending chunk and returns how many were dropped.
func (q *audioQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *audioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
