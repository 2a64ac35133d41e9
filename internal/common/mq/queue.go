// Package mq moves grading jobs and check-run results through Kafka.
package mq

import (
	"context"
	"time"
)

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer runs handlers over a topic until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler HandlerFunc, opts ConsumeOptions) error
}

// HandlerFunc handles one message. A non-nil error asks for redelivery.
type HandlerFunc func(ctx context.Context, message *Message) error

// ConsumeOptions tunes a consumer.
type ConsumeOptions struct {
	Group   string
	Workers int
	// MaxAttempts bounds handler calls per message before it is dead-lettered or dropped.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// DeadLetterTopic receives messages that ran out of attempts.
	DeadLetterTopic string
	// MaxAge drops messages published longer ago than this.
	MaxAge time.Duration
	// Limiter caps in-flight messages across consumers sharing it.
	Limiter *TokenLimiter
}

func (o ConsumeOptions) withDefaults() ConsumeOptions {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = 30 * o.Backoff
	}
	return o
}

// backoff doubles per failed attempt, capped at MaxBackoff.
func (o ConsumeOptions) backoff(attempt int) time.Duration {
	d := o.Backoff
	for i := 1; i < attempt && d < o.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, o.MaxBackoff)
}
