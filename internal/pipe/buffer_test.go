package pipe

import (
	"sync"
	"testing"
)

func TestBuffer_SendReceiveOrder(t *testing.T) {
	b := NewBuffer[int](4)

	for i := 0; i < 10; i++ {
		if !b.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	for i := 0; i < 10; i++ {
		got, ok := b.Receive()
		if !ok {
			t.Fatalf("Receive() closed at item %d", i)
		}
		if got != i {
			t.Errorf("Receive() = %d, want %d", got, i)
		}
	}
}

func TestBuffer_GrowsInsteadOfBlocking(t *testing.T) {
	b := NewBuffer[int](2)

	// Far more items than the initial capacity; Send must never block.
	for i := 0; i < 1000; i++ {
		b.Send(i)
	}

	stats := b.Stats()
	if stats.Count != 1000 {
		t.Errorf("Count = %d, want 1000", stats.Count)
	}
	if stats.ResizeCount == 0 {
		t.Error("ResizeCount = 0, want growth")
	}
}

func TestBuffer_TryReceiveEmpty(t *testing.T) {
	b := NewBuffer[string](4)

	if _, ok := b.TryReceive(); ok {
		t.Error("TryReceive on empty buffer returned ok")
	}

	b.Send("x")
	got, ok := b.TryReceive()
	if !ok || got != "x" {
		t.Errorf("TryReceive() = (%q, %v), want (x, true)", got, ok)
	}
}

func TestBuffer_DrainTo(t *testing.T) {
	b := NewBuffer[int](8)
	for i := 0; i < 5; i++ {
		b.Send(i)
	}

	got := b.DrainTo(3)
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("DrainTo(3) = %v, want [0 1 2]", got)
	}

	// max <= 0 drains everything remaining
	rest := b.DrainTo(0)
	if len(rest) != 2 || rest[0] != 3 || rest[1] != 4 {
		t.Errorf("DrainTo(0) = %v, want [3 4]", rest)
	}

	if b.Len() != 0 {
		t.Errorf("Len = %d after full drain, want 0", b.Len())
	}
}

func TestBuffer_CloseDrainsThenSignals(t *testing.T) {
	b := NewBuffer[int](4)
	b.Send(1)
	b.Close()

	if b.Send(2) {
		t.Error("Send after Close returned true")
	}

	// Buffered item still drains
	got, ok := b.Receive()
	if !ok || got != 1 {
		t.Errorf("Receive() = (%d, %v), want (1, true)", got, ok)
	}

	// Then the closed signal
	if _, ok := b.Receive(); ok {
		t.Error("Receive after drain on closed buffer returned ok")
	}
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	b := NewBuffer[int](4)
	const n = 5000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.Send(i)
		}
		b.Close()
	}()

	prev := -1
	count := 0
	for {
		v, ok := b.Receive()
		if !ok {
			break
		}
		if v != prev+1 {
			t.Fatalf("out of order: got %d after %d", v, prev)
		}
		prev = v
		count++
	}
	wg.Wait()

	if count != n {
		t.Errorf("received %d items, want %d", count, n)
	}
}
