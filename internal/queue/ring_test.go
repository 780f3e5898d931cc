package queue

import (
	"context"
	"testing"
	"time"
)

func TestRingFIFO(t *testing.T) {
	r := NewRing[int](4)
	for i := 1; i <= 3; i++ {
		if r.Push(i) {
			t.Fatalf("unexpected drop pushing %d", i)
		}
	}
	for want := 1; want <= 3; want++ {
		got, ok := r.Pop(context.Background(), time.Millisecond)
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
}

func TestRingDropsOldest(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if r.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", r.Dropped())
	}
	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}
	for _, want := range []int{3, 4, 5} {
		got, ok := r.TryPop()
		if !ok || got != want {
			t.Fatalf("expected %d, got %d (ok=%v)", want, got, ok)
		}
	}
	if _, ok := r.TryPop(); ok {
		t.Fatal("expected empty ring")
	}
}

func TestRingPopTimeout(t *testing.T) {
	r := NewRing[string](1)
	start := time.Now()
	if _, ok := r.Pop(context.Background(), 20*time.Millisecond); ok {
		t.Fatal("expected timeout on empty ring")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("pop returned early after %v", elapsed)
	}
}

func TestRingPopWakesOnPush(t *testing.T) {
	r := NewRing[string](2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Push("hello")
	}()
	got, ok := r.Pop(context.Background(), time.Second)
	if !ok || got != "hello" {
		t.Fatalf("expected hello, got %q (ok=%v)", got, ok)
	}
}

func TestRingPopHonoursContext(t *testing.T) {
	r := NewRing[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := r.Pop(ctx, time.Second); ok {
		t.Fatal("expected no value from cancelled pop")
	}
}

func TestRingPreservesOrderAcrossGoroutines(t *testing.T) {
	r := NewRing[int](1024)
	const n = 500
	go func() {
		for i := 0; i < n; i++ {
			r.Push(i)
		}
	}()
	for want := 0; want < n; want++ {
		got, ok := r.Pop(context.Background(), time.Second)
		if !ok {
			t.Fatalf("timed out waiting for %d", want)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
}
