package containers

import "testing"

func TestRingQueueFIFO(t *testing.T) {
	rq := NewRingQueue[int](3)
	for i := 1; i <= 3; i++ {
		if err := rq.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := rq.Enqueue(4); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	for i := 1; i <= 3; i++ {
		v, err := rq.Dequeue()
		if err != nil || v != i {
			t.Fatalf("dequeue = %d, %v; want %d", v, err, i)
		}
	}
	if _, err := rq.Dequeue(); err != ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestRingQueueWrapAround(t *testing.T) {
	rq := NewRingQueue[string](2)
	rq.Enqueue("a")
	rq.Enqueue("b")
	rq.Dequeue()
	if err := rq.Enqueue("c"); err != nil {
		t.Fatalf("enqueue after dequeue: %v", err)
	}
	if v, _ := rq.Peek(); v != "b" {
		t.Fatalf("peek = %q, want b", v)
	}
	if rq.Len() != 2 {
		t.Fatalf("len = %d", rq.Len())
	}
}
