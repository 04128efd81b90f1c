package main

import "context"

// strand runs posted tasks one at a time on a single goroutine. App
// methods are not synchronized; routing every call through the strand is
// what makes them safe.
type strand struct {
	tasks chan func()
}

func newStrand() *strand {
	return &strand{tasks: make(chan func(), 128)}
}

// run executes tasks until stop is closed, then drains whatever is
// already queued and returns.
func (s *strand) run(stop <-chan struct{}) error {
	for {
		select {
		case task := <-s.tasks:
			task()
		case <-stop:
			for {
				select {
				case task := <-s.tasks:
					task()
				default:
					return nil
				}
			}
		}
	}
}

// post queues fn for execution. It blocks while the queue is full and
// gives up when ctx is done.
func (s *strand) post(ctx context.Context, fn func()) error {
	select {
	case s.tasks <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ask runs fn on the strand and waits for its result. The reply channel
// is buffered so an abandoned ask never wedges the strand.
func ask[T any](ctx context.Context, s *strand, fn func() T) (T, error) {
	reply := make(chan T, 1)
	if err := s.post(ctx, func() { reply <- fn() }); err != nil {
		var zero T
		return zero, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
