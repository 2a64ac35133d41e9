package mq

import "context"

// TokenLimiter caps concurrent grading jobs on one worker.
type TokenLimiter struct {
	slots chan struct{}
}

// NewTokenLimiter creates a limiter admitting size holders; size below one means one.
func NewTokenLimiter(size int) *TokenLimiter {
	return &TokenLimiter{slots: make(chan struct{}, max(size, 1))}
}

// Acquire blocks until a slot frees up or ctx is done.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot. Releasing more than was acquired is a no-op.
func (l *TokenLimiter) Release() {
	select {
	case <-l.slots:
	default:
	}
}

// InUse reports how many slots are held.
func (l *TokenLimiter) InUse() int {
	return len(l.slots)
}
