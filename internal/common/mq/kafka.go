package mq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"corrector/pkg/utils/logger"
)

// KafkaConfig holds broker and client tuning.
type KafkaConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks kafka.RequiredAcks
	BatchTimeout time.Duration
	Compression  kafka.Compression
	MinBytes     int
	MaxBytes     int
	MaxWait      time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c KafkaConfig) withDefaults() KafkaConfig {
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.BatchTimeout == 0 {
		// results are written one by one; do not wait for a batch to fill
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// KafkaQueue is a Producer and Consumer over one cluster.
type KafkaQueue struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	writer *kafka.Writer
}

var (
	_ Producer = (*KafkaQueue)(nil)
	_ Consumer = (*KafkaQueue)(nil)
)

// NewKafkaQueue configures the client; connections open lazily.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	cfg = cfg.withDefaults()
	dialer := &kafka.Dialer{ClientID: cfg.ClientID, Timeout: cfg.DialTimeout, DualStack: true}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.RequiredAcks,
		BatchTimeout: cfg.BatchTimeout,
		Compression:  cfg.Compression,
		WriteTimeout: cfg.WriteTimeout,
		Transport:    &kafka.Transport{ClientID: cfg.ClientID, DialTimeout: cfg.DialTimeout},
	}
	return &KafkaQueue{cfg: cfg, dialer: dialer, writer: writer}, nil
}

// Publish writes message to topic, assigning an ID when it has none.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil || topic == "" {
		return errors.New("topic and message are required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	return k.writer.WriteMessages(ctx, encode(topic, message))
}

// Consume reads topic as part of opts.Group until ctx is done, then waits for in-flight
// handlers. It returns nil on cancellation.
func (k *KafkaQueue) Consume(ctx context.Context, topic string, handler HandlerFunc, opts ConsumeOptions) error {
	if topic == "" || handler == nil {
		return errors.New("topic and handler are required")
	}
	opts = opts.withDefaults()
	if opts.Group == "" {
		opts.Group = "corrector-" + topic
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		Topic:       topic,
		GroupID:     opts.Group,
		MinBytes:    k.cfg.MinBytes,
		MaxBytes:    k.cfg.MaxBytes,
		MaxWait:     k.cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
		Dialer:      k.dialer,
	})
	defer func() {
		_ = reader.Close()
	}()

	jobs := make(chan kafka.Message)
	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for raw := range jobs {
				k.handle(ctx, reader, raw, handler, opts)
				if opts.Limiter != nil {
					opts.Limiter.Release()
				}
			}
		}()
	}

	err := k.fetchLoop(ctx, reader, jobs, opts.Limiter)
	close(jobs)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (k *KafkaQueue) fetchLoop(ctx context.Context, reader *kafka.Reader, jobs chan<- kafka.Message, limiter *TokenLimiter) error {
	for {
		if limiter != nil {
			if err := limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		raw, err := reader.FetchMessage(ctx)
		if err != nil {
			if limiter != nil {
				limiter.Release()
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn(ctx, "kafka fetch failed", logger.Err(err))
			select {
			case <-time.After(200 * time.Millisecond):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case jobs <- raw:
		case <-ctx.Done():
			if limiter != nil {
				limiter.Release()
			}
			return ctx.Err()
		}
	}
}

func (k *KafkaQueue) handle(ctx context.Context, reader *kafka.Reader, raw kafka.Message, handler HandlerFunc, opts ConsumeOptions) {
	m := decode(raw)
	result := deliver(ctx, m, handler, opts, func(ctx context.Context, dead *Message) error {
		return k.Publish(ctx, opts.DeadLetterTopic, dead)
	})
	switch result {
	case abandoned:
		return
	case deadLettered, dropped:
		logger.Warn(ctx, "message gave up after retries",
			zap.String("message_id", m.ID),
			zap.Int("attempts", m.Attempt),
			zap.Bool("dead_lettered", result == deadLettered),
		)
	case expired:
		logger.Info(ctx, "message expired before handling", zap.String("message_id", m.ID))
	}
	if err := reader.CommitMessages(context.WithoutCancel(ctx), raw); err != nil {
		logger.Warn(ctx, "kafka commit failed", zap.String("message_id", m.ID), logger.Err(err))
	}
}

// Close flushes the producer.
func (k *KafkaQueue) Close() error {
	return k.writer.Close()
}

func encode(topic string, m *Message) kafka.Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	key := m.Key
	if key == "" {
		key = m.ID
	}
	headers := make([]kafka.Header, 0, len(m.Headers)+3)
	for name, v := range m.Headers {
		headers = append(headers, kafka.Header{Key: name, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderMessageID, Value: []byte(m.ID)},
		kafka.Header{Key: HeaderPublishedAt, Value: []byte(m.Timestamp.UTC().Format(time.RFC3339Nano))},
	)
	if m.Attempt > 0 {
		headers = append(headers, kafka.Header{Key: HeaderAttempt, Value: encodeAttempt(m.Attempt)})
	}
	return kafka.Message{Topic: topic, Key: []byte(key), Value: m.Body, Headers: headers, Time: m.Timestamp}
}

func decode(raw kafka.Message) *Message {
	m := &Message{Key: string(raw.Key), Body: raw.Value, Headers: map[string]string{}, Timestamp: raw.Time}
	for _, h := range raw.Headers {
		switch h.Key {
		case HeaderMessageID:
			m.ID = string(h.Value)
		case HeaderPublishedAt:
			if ts, err := time.Parse(time.RFC3339Nano, string(h.Value)); err == nil {
				m.Timestamp = ts
			}
		case HeaderAttempt:
			m.Attempt = decodeAttempt(h.Value)
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	if m.ID == "" {
		m.ID = m.Key
	}
	return m
}
