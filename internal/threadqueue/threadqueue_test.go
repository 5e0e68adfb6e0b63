package threadqueue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestProcessesAllItems(t *testing.T) {
	var total int64
	q, err := New[int](3, func(_ int, item int) {
		atomic.AddInt64(&total, int64(item))
	}, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 100; i++ {
		q.Push(i)
	}
	q.Close()

	if total != 5050 {
		t.Fatalf("total = %d, want 5050", total)
	}
}

func TestHaltResume(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	q, err := New[int](1, func(_ int, item int) {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q.Push(1)
	q.Push(2)
	time.Sleep(10 * time.Millisecond)

	q.Halt()
	q.WaitForPause()

	mu.Lock()
	countAtPause := len(seen)
	mu.Unlock()

	q.Push(3)
	time.Sleep(10 * time.Millisecond)

	mu.Lock()
	if len(seen) != countAtPause {
		t.Fatalf("item processed while halted")
	}
	mu.Unlock()

	q.Resume()
	q.Push(4)
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 4 {
		t.Fatalf("got %d items processed, want 4: %v", len(seen), seen)
	}
}

func TestAbortDiscardsBacklog(t *testing.T) {
	var processed int64
	block := make(chan struct{})
	started := make(chan struct{}, 1)

	q, err := New[int](1, func(_ int, item int) {
		if item == 0 {
			started <- struct{}{}
			<-block
		}
		atomic.AddInt64(&processed, 1)
	}, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	q.Push(0)
	<-started
	for i := 1; i <= 50; i++ {
		q.Push(i)
	}

	q.Abort()
	close(block)
	q.WaitForCompletion()

	if got := atomic.LoadInt64(&processed); got > 1 {
		t.Fatalf("expected abort to discard backlog, processed %d items", got)
	}
}

func TestTermHookRunsOnExit(t *testing.T) {
	var termCount int64
	q, err := New[int](2, func(_ int, _ int) {}, Hooks{
		Term: func(_ int) { atomic.AddInt64(&termCount, 1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Close()
	if termCount != 2 {
		t.Fatalf("termCount = %d, want 2", termCount)
	}
}

func TestFlagPriorityAbortWinsOverFinish(t *testing.T) {
	q, err := New[int](1, func(_ int, _ int) { time.Sleep(time.Millisecond) }, Hooks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	q.Finish()
	q.Abort()
	q.WaitForCompletion()

	statuses := q.Statuses()
	if !statuses[0].Terminated {
		t.Fatalf("expected worker terminated after abort")
	}
}
