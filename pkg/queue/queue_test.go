package queue

import (
	"testing"

	"github.com/lokutor-ai/lokutor-stream/pkg/job"
)

func TestCoalescingReplacesSameConn(t *testing.T) {
	q := NewCoalescing()
	if replaced := q.Put(job.Job{ConnID: "a", CreatedAt: 1, Audio: []float32{1}}); replaced {
		t.Fatal("expected first Put for a connection to report replaced=false")
	}
	if replaced := q.Put(job.Job{ConnID: "a", CreatedAt: 2, Audio: []float32{2}}); !replaced {
		t.Fatal("expected second Put for the same connection to report replaced=true")
	}

	if q.Len() != 1 {
		t.Fatalf("expected single entry per connection, got %d", q.Len())
	}
	j, ok := q.PopOldest()
	if !ok {
		t.Fatal("expected a job")
	}
	if j.CreatedAt != 2 {
		t.Fatalf("expected the newer job to have replaced the older one, got created_at=%d", j.CreatedAt)
	}
}

func TestCoalescingPopOldestAcrossConnections(t *testing.T) {
	q := NewCoalescing()
	q.Put(job.Job{ConnID: "a", CreatedAt: 50, Seq: 0})
	q.Put(job.Job{ConnID: "b", CreatedAt: 10, Seq: 1})
	q.Put(job.Job{ConnID: "c", CreatedAt: 30, Seq: 2})

	j, ok := q.PopOldest()
	if !ok || j.ConnID != "b" {
		t.Fatalf("expected connection b (created_at=10) first, got %+v ok=%v", j, ok)
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 remaining, got %d", q.Len())
	}
}

func TestCoalescingPopOldestTieBreaksBySeq(t *testing.T) {
	q := NewCoalescing()
	q.Put(job.Job{ConnID: "a", CreatedAt: 10, Seq: 5})
	q.Put(job.Job{ConnID: "b", CreatedAt: 10, Seq: 1})

	j, _ := q.PopOldest()
	if j.ConnID != "b" {
		t.Fatalf("expected lower seq to win tie, got conn %q", j.ConnID)
	}
}

func TestCoalescingEmptyPop(t *testing.T) {
	q := NewCoalescing()
	_, ok := q.PopOldest()
	if ok {
		t.Fatal("expected empty queue to report ok=false")
	}
}

func TestCoalescingDrop(t *testing.T) {
	q := NewCoalescing()
	q.Put(job.Job{ConnID: "a", CreatedAt: 1})
	q.Drop("a")
	if q.Len() != 0 {
		t.Fatalf("expected drop to remove the entry")
	}
}

func TestFinalIsStrictFIFO(t *testing.T) {
	q := NewFinal()
	q.Push(job.Job{ConnID: "a", Seq: 1})
	q.Push(job.Job{ConnID: "b", Seq: 2})
	q.Push(job.Job{ConnID: "c", Seq: 3})

	order := []string{}
	for {
		j, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, j.ConnID)
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("expected FIFO order %v, got %v", want, order)
		}
	}
}

func TestFinalEmptyPop(t *testing.T) {
	q := NewFinal()
	_, ok := q.Pop()
	if ok {
		t.Fatal("expected empty final queue to report ok=false")
	}
}
