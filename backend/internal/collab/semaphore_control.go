package collab

import (
	"context"
	"errors"
	"fmt"
)

var ErrSemaphoreNotAcquired = errors.New("release failed, semaphore is not acquired")

const DefaultSemaphoreSize = 100

// SemaphoreControl 限制并发数（kafka 发送、同时进行的提交、agent 调用）
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire semaphore: %w", ctx.Err())
	}
}

// TryAcquire 不等待
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrSemaphoreNotAcquired
	}
}

func (s *SemaphoreControl) InUse() int {
	return len(s.ch)
}
