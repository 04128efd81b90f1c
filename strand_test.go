package main

import (
	"context"
	"testing"
)

func TestStrandRunsTasksInOrder(t *testing.T) {
	s := newStrand()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.run(stop)
		close(done)
	}()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if err := s.post(context.Background(), func() { got = append(got, i) }); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	if _, err := ask(context.Background(), s, func() int { return len(got) }); err != nil {
		t.Fatalf("ask: %v", err)
	}
	close(stop)
	<-done

	if len(got) != 10 {
		t.Fatalf("want 10 tasks run, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", got)
		}
	}
}

func TestAskReturnsResult(t *testing.T) {
	s := newStrand()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.run(stop)
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	v, err := ask(context.Background(), s, func() int { return 21 * 2 })
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if v != 42 {
		t.Fatalf("ask = %d, want 42", v)
	}
}

func TestAskGivesUpWithContext(t *testing.T) {
	s := newStrand() // never run
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ask(ctx, s, func() int { return 1 }); err == nil {
		t.Fatalf("ask on a dead strand should fail with the context")
	}
}

func TestStrandDrainsQueueOnStop(t *testing.T) {
	s := newStrand()
	ran := 0
	for i := 0; i < 3; i++ {
		if err := s.post(context.Background(), func() { ran++ }); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	stop := make(chan struct{})
	close(stop)
	if err := s.run(stop); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ran != 3 {
		t.Fatalf("queued tasks should drain on stop, ran %d", ran)
	}
}
