package util

import (
	"sync"
	"testing"
	"time"
)

// TestPushAndReceive tests basic push and consume functionality
func TestPushAndReceive(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(&i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	if q.Push(nil) {
		t.Errorf("nil values must be rejected")
	}
}

// TestConcurrentProducers verifies that no item is lost or duplicated and that
// every producer's items arrive in its push order
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[[2]int]()
	defer q.Close()

	const producers = 8
	const perProducer = 2000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				item := [2]int{p, i}
				q.Push(&item)
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	for n := 0; n < producers*perProducer; n++ {
		select {
		case item := <-q.Recv():
			p, i := item[0], item[1]
			if i != last[p]+1 {
				t.Fatalf("producer %d: got item %d after %d", p, i, last[p])
			}
			last[p] = i
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout after %d items", n)
		}
	}
	wg.Wait()
}

// TestCloseDeliversRemaining verifies closing behavior
func TestCloseDeliversRemaining(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	for i := 0; i < 5; i++ {
		q.Push(&i)
	}
	q.Close()

	val := 100
	if q.Push(&val) {
		t.Error("Should not be able to push after queue is closed")
	}

	for i := 0; i < 5; i++ {
		select {
		case val := <-q.Recv():
			if *val != i {
				t.Errorf("Expected %d, got %d", i, *val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d after close", i)
		}
	}

	select {
	case _, ok := <-q.Recv():
		if ok {
			t.Error("Channel should be closed but is still open")
		}
	case <-time.After(time.Second):
		t.Fatal("Channel was not closed after draining")
	}
}

// TestAbortReleasesConsumer verifies that an aborted queue stops delivering
// even when nobody reads
func TestAbortReleasesConsumer(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	for i := 0; i < 3; i++ {
		q.Push(&i)
	}
	q.Abort()
	q.Abort()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-q.Recv():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("Recv channel was not closed after abort")
		}
	}
}

// TestIdleWakeup pushes single items with pauses so the consumer parks
// between them
func TestIdleWakeup(t *testing.T) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	for i := 0; i < 50; i++ {
		time.Sleep(time.Millisecond)
		q.Push(&i)
		select {
		case v := <-q.Recv():
			if *v != i {
				t.Fatalf("Expected %d, got %d", i, *v)
			}
		case <-time.After(time.Second):
			t.Fatalf("consumer missed the wakeup for item %d", i)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

// BenchmarkMultiProducer benchmarks the queue with multiple producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewLockFreeMPSC[int]()
	defer q.Close()

	go func() {
		for range q.Recv() {
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(&i)
			i++
		}
	})
}
