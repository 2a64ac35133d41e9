package mq

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeCarriesDeliveryState(t *testing.T) {
	msg := NewMessage([]byte(`{"job_id":"j1"}`))
	msg.ID = "j1"
	msg.Attempt = 2
	msg.SetHeader("content-type", "application/json")

	raw := encode("grader.jobs", msg)
	if string(raw.Key) != "j1" {
		t.Fatalf("key should default to id: %q", raw.Key)
	}
	got := decode(raw)
	if got.ID != "j1" || got.Attempt != 2 || !got.Timestamp.Equal(msg.Timestamp) {
		t.Fatalf("unexpected delivery state: %+v", got)
	}
	if v, ok := got.GetHeader("content-type"); !ok || v != "application/json" {
		t.Fatalf("custom header lost: %q", v)
	}
	if _, ok := got.GetHeader(HeaderMessageID); ok {
		t.Fatalf("reserved header leaked into custom headers")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, m *Message) error {
		calls++
		if calls < 3 {
			return errors.New("broker busy")
		}
		return nil
	}
	opts := ConsumeOptions{MaxAttempts: 5, Backoff: time.Millisecond}.withDefaults()
	if got := deliver(context.Background(), NewMessage(nil), handler, opts, nil); got != handled || calls != 3 {
		t.Fatalf("outcome=%v calls=%d", got, calls)
	}
}

func TestDeliverDeadLettersWithReason(t *testing.T) {
	var dead *Message
	opts := ConsumeOptions{MaxAttempts: 2, Backoff: time.Millisecond, DeadLetterTopic: "grader.dlq"}.withDefaults()
	failing := func(ctx context.Context, m *Message) error { return errors.New("publish result failed") }
	got := deliver(context.Background(), NewMessage(nil), failing, opts, func(ctx context.Context, m *Message) error {
		dead = m
		return nil
	})
	if got != deadLettered || dead == nil || dead.Attempt != 2 {
		t.Fatalf("outcome=%v dead=%+v", got, dead)
	}
	if reason, _ := dead.GetHeader(HeaderDeadLetterReason); reason != "publish result failed" {
		t.Fatalf("reason header: %q", reason)
	}

	opts.DeadLetterTopic = ""
	if got := deliver(context.Background(), NewMessage(nil), failing, opts, nil); got != dropped {
		t.Fatalf("expected drop without a dead letter topic, got %v", got)
	}
}

func TestDeliverSkipsExpiredAndAbandonsOnCancel(t *testing.T) {
	old := NewMessage(nil)
	old.Timestamp = time.Now().Add(-time.Hour)
	never := func(ctx context.Context, m *Message) error {
		t.Fatalf("handler called for expired message")
		return nil
	}
	if got := deliver(context.Background(), old, never, ConsumeOptions{MaxAge: time.Minute}.withDefaults(), nil); got != expired {
		t.Fatalf("expected expired, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancelling := func(ctx context.Context, m *Message) error {
		cancel()
		return ctx.Err()
	}
	if got := deliver(ctx, NewMessage(nil), cancelling, ConsumeOptions{}.withDefaults(), nil); got != abandoned {
		t.Fatalf("expected abandoned, got %v", got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	opts := ConsumeOptions{Backoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := opts.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}

func TestTokenLimiterBlocksAtCapacity(t *testing.T) {
	limiter := NewTokenLimiter(1)
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Acquire(ctx); err == nil {
		t.Fatalf("expected acquire to block until deadline")
	}
	limiter.Release()
	limiter.Release()
	if limiter.InUse() != 0 {
		t.Fatalf("extra release changed state: %d", limiter.InUse())
	}
	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}
