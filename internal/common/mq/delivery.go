package mq

import (
	"context"
	"strconv"
	"time"
)

type outcome int

const (
	handled outcome = iota
	expired
	deadLettered
	dropped
	// abandoned leaves the message uncommitted for the group to redeliver.
	abandoned
)

// deliver runs handler until it succeeds or attempts run out. Only abandoned skips the commit.
func deliver(ctx context.Context, m *Message, handler HandlerFunc, opts ConsumeOptions, deadLetter func(context.Context, *Message) error) outcome {
	if opts.MaxAge > 0 && !m.Timestamp.IsZero() && time.Since(m.Timestamp) > opts.MaxAge {
		return expired
	}
	for {
		err := handler(ctx, m)
		if err == nil {
			return handled
		}
		if ctx.Err() != nil {
			return abandoned
		}
		m.Attempt++
		if m.Attempt >= opts.MaxAttempts {
			if opts.DeadLetterTopic == "" || deadLetter == nil {
				return dropped
			}
			m.SetHeader(HeaderDeadLetterReason, err.Error())
			if dlErr := deadLetter(ctx, m); dlErr != nil {
				return abandoned
			}
			return deadLettered
		}
		select {
		case <-time.After(opts.backoff(m.Attempt)):
		case <-ctx.Done():
			return abandoned
		}
	}
}

func encodeAttempt(n int) []byte { return []byte(strconv.Itoa(n)) }

func decodeAttempt(b []byte) int {
	n, err := strconv.Atoi(string(b))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
