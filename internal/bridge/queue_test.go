package bridge

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAudioQueueFIFO(t *testing.T) {
	q := newAudioQueue()
	q.Push([]byte{1})
	q.Push([]byte{2})
	q.Push([]byte{3})

	ctx := context.Background()
	for want := byte(1); want <= 3; want++ {
		got, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if got[0] != want {
			t.Fatalf("Pop() = %v, want [%d]", got, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}

func TestAudioQueuePopWaitsForPush(t *testing.T) {
	q := newAudioQueue()
	got := make(chan []byte, 1)
	go func() {
		chunk, _ := q.Pop(context.Background())
		got <- chunk
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push([]byte{7})
	select {
	case chunk := <-got:
		if chunk[0] != 7 {
			t.Fatalf("Pop() = %v, want [7]", chunk)
		}
	case <-time.After(time.Second):
		t.Fatalf("Pop() did not wake after Push")
	}
}

func TestAudioQueuePopCancelled(t *testing.T) {
	q := newAudioQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Pop() error = %v, want context.Canceled", err)
	}
}

func TestAudioQueueClear(t *testing.T) {
	q := newAudioQueue()
	for i := 0; i < 5; i++ {
		q.Push([]byte{byte(i)})
	}
	if n := q.Clear(); n != 5 {
		t.Fatalf("Clear() = %d, want 5", n)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Clear", q.Len())
	}
	q.Push([]byte{9})
	got, err := q.Pop(context.Background())
	if err != nil || got[0] != 9 {
		t.Fatalf("Pop() after Clear = %v, %v", got, err)
	}
}
