package queue

import "context"

// slots is a counting semaphore bounding in-flight jobs of one queue.
type slots struct {
	tokens chan struct{}
}

func newSlots(size int) *slots {
	if size <= 0 {
		size = 1
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &slots{tokens: tokens}
}

// acquire blocks until a slot is free or ctx is canceled.
func (s *slots) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.tokens:
		return nil
	}
}

func (s *slots) release() {
	select {
	case s.tokens <- struct{}{}:
	default:
	}
}

// inUse reports how many slots are taken.
func (s *slots) inUse() int {
	return cap(s.tokens) - len(s.tokens)
}
