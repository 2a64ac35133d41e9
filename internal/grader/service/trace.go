package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"corrector/internal/common/mq"
	"corrector/pkg/utils/contextkey"
)

// TraceHeader carries the trace id from the job message to the published result.
const TraceHeader = "x-trace-id"

// traceContext stores the message trace id in ctx, minting one when the producer set none.
func traceContext(ctx context.Context, msg *mq.Message) context.Context {
	traceID, _ := msg.GetHeader(TraceHeader)
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return contextkey.WithTrace(ctx, traceID)
}

func setTraceHeader(ctx context.Context, msg *mq.Message) {
	if traceID := contextkey.TraceFrom(ctx); traceID != "" {
		msg.SetHeader(TraceHeader, traceID)
	}
}
