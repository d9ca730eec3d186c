package collab

import (
	"context"
	"errors"
)

// SemaphoreControl bounds concurrency on a shared resource with a buffered
// channel. Acquire respects the caller's deadline.
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(max int) *SemaphoreControl {
	if max <= 0 {
		max = 100
	}
	return &SemaphoreControl{ch: make(chan struct{}, max)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.New("SEMAPHORE_TIMEOUT")
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("SEMAPHORE_NOT_ACQUIRED")
	}
}
