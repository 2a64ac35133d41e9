package mq

import "time"

// Reserved headers carry delivery state across brokers and retries.
const (
	HeaderMessageID        = "x-message-id"
	HeaderPublishedAt      = "x-published-at"
	HeaderAttempt          = "x-attempt"
	HeaderDeadLetterReason = "x-dead-letter-reason"
)

// Message is a queue record. Key picks the partition and defaults to ID.
type Message struct {
	ID        string
	Key       string
	Body      []byte
	Headers   map[string]string
	Timestamp time.Time
	// Attempt counts deliveries of this payload that already failed.
	Attempt int
}

// NewMessage creates a message stamped with the current time.
func NewMessage(body []byte) *Message {
	return &Message{Body: body, Headers: map[string]string{}, Timestamp: time.Now()}
}

func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = map[string]string{}
	}
	m.Headers[key] = value
}

func (m *Message) GetHeader(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}
