package queue

import (
	"testing"
	"time"
)

func newTestQueue(capacity int) *FairQueue[int, string] {
	return NewFairQueue[int, string](
		func(s string) int { return capacity },
		func(s string) int {
			if s == "heavy" {
				return 4
			}
			return 1
		},
	)
}

func TestFairQueueOrdering(t *testing.T) {
	q := newTestQueue(100)

	for i := 0; i < 10; i++ {
		if !q.Push(i, "a") {
			t.Fatalf("push %d dropped", i)
		}
	}

	for i := 0; i < 10; i++ {
		r, s := q.Next()
		if s != "a" {
			t.Fatalf("unexpected source %s", s)
		}
		if r != i {
			t.Fatalf("out of order: got %d, want %d", r, i)
		}
	}

	if !q.Empty() {
		t.Fatal("queue should be empty")
	}
}

func TestFairQueueWeighting(t *testing.T) {
	q := newTestQueue(1000)

	for i := 0; i < 100; i++ {
		q.Push(i, "light")
		q.Push(i, "heavy")
	}

	counts := map[string]int{}
	for i := 0; i < 50; i++ {
		_, s := q.Next()
		counts[s]++
	}

	//light has priority 1, heavy has priority 4; after 50 pops the ratio
	//should hold exactly since neither queue drains
	if counts["light"] != 10 || counts["heavy"] != 40 {
		t.Fatalf("weighting off: light=%d heavy=%d", counts["light"], counts["heavy"])
	}
}

func TestFairQueueCapacity(t *testing.T) {
	q := newTestQueue(4)

	for i := 0; i < 4; i++ {
		if !q.Push(i, "a") {
			t.Fatalf("push %d should be added", i)
		}
	}
	if q.Push(99, "a") {
		t.Fatal("push above capacity should be dropped")
	}
	if q.Size("a") != 4 {
		t.Fatalf("size is %d, want 4", q.Size("a"))
	}

	//Other sources are unaffected
	if !q.Push(0, "b") {
		t.Fatal("push to fresh source dropped")
	}
}

func TestFairQueueNextBatch(t *testing.T) {
	q := newTestQueue(100)

	for i := 0; i < 7; i++ {
		q.Push(i, "a")
	}

	batch := q.NextBatch(10)
	if len(batch) != 7 {
		t.Fatalf("batch size is %d, want 7", len(batch))
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after batch")
	}
}

func TestFairQueuePopFrom(t *testing.T) {
	q := newTestQueue(100)

	q.Push(1, "a")
	q.Push(2, "b")

	r, ok := q.PopFrom("b")
	if !ok || r != 2 {
		t.Fatalf("PopFrom returned (%d, %v)", r, ok)
	}
	if _, ok := q.PopFrom("b"); ok {
		t.Fatal("PopFrom on drained source should fail")
	}
	if q.TotalSize() != 1 {
		t.Fatalf("total size is %d, want 1", q.TotalSize())
	}
}

func TestFairQueueCleanup(t *testing.T) {
	q := newTestQueue(100)
	dead := map[string]bool{}
	q.Alive = func(s string) bool { return !dead[s] }

	q.Push(1, "a")
	q.Push(2, "b")

	dead["a"] = true
	if !q.PeriodicCleanup(0) {
		t.Fatal("cleanup should have run")
	}
	if q.QueuesSize() != 1 {
		t.Fatalf("queues size is %d, want 1", q.QueuesSize())
	}
	if q.Size("a") != 0 {
		t.Fatal("dead source should be erased")
	}

	//The interval throttles back-to-back sweeps
	if q.PeriodicCleanup(time.Minute) {
		t.Fatal("cleanup should have been throttled")
	}

	r, s := q.Next()
	if r != 2 || s != "b" {
		t.Fatalf("unexpected item (%d, %s)", r, s)
	}
}

func TestFairQueueNextPanicsWhenEmpty(t *testing.T) {
	q := newTestQueue(10)

	defer func() {
		if recover() == nil {
			t.Fatal("Next on empty queue should panic")
		}
	}()
	q.Next()
}
