package util

import (
	"sync"
	"testing"
)

func TestMPSCQueueDeliversAll(t *testing.T) {
	q := NewMPSCQueue[int]()

	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := i
				if !q.Push(&v) {
					t.Error("push on open queue failed")
					return
				}
			}
		}()
	}

	done := make(chan int)
	go func() {
		count := 0
		for range q.Recv() {
			count++
		}
		done <- count
	}()

	wg.Wait()
	q.Close()

	if got := <-done; got != producers*perProducer {
		t.Fatalf("expected %d items, received %d", producers*perProducer, got)
	}
}

func TestMPSCQueueClose(t *testing.T) {
	q := NewMPSCQueue[string]()

	v := "queued before close"
	q.Push(&v)
	q.Close()

	if !q.IsClosed() {
		t.Fatal("queue should report closed")
	}

	after := "rejected"
	if q.Push(&after) {
		t.Fatal("push after close must fail")
	}

	// the item queued before close is still delivered
	got, ok := <-q.Recv()
	if !ok || *got != v {
		t.Fatalf("expected %q from closed queue, got %v (ok=%v)", v, got, ok)
	}

	if _, ok := <-q.Recv(); ok {
		t.Fatal("channel must be closed after draining")
	}
}

func TestMPSCQueueNilPush(t *testing.T) {
	q := NewMPSCQueue[int]()
	defer q.Close()

	if q.Push(nil) {
		t.Fatal("nil push must be rejected")
	}
}
