// Package ingest delivers batches of log entries to a downstream sink.
//
// Every sink reports the same three outcomes: the batch was accepted, it was
// rejected in a way retrying cannot fix, or delivery kept failing until the
// retry budget ran out. Sinks never panic and never end the process.
package ingest

import (
	"context"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// Client delivers one batch per call.
type Client interface {
	Send(ctx context.Context, batch model.Batch) model.Result
}

// Sink names accepted by the configuration.
const (
	SinkHTTP  = "http"
	SinkKafka = "kafka"
)

// maxReasonBytes caps how much of a response body ends up in a Result.
const maxReasonBytes = 512

func truncate(s string) string {
	if len(s) > maxReasonBytes {
		return s[:maxReasonBytes]
	}

	return s
}
