package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

const (
	metricObjectsTotal   = "logshipper.objects.total"
	metricEntriesSent    = "logshipper.entries.sent.total"
	metricEntriesDup     = "logshipper.entries.duplicate.total"
	metricIngestAttempts = "logshipper.ingest.attempts.total"
	metricIngestBatches  = "logshipper.ingest.batches.total"
	metricCommitsTotal   = "logshipper.checkpoint.commits.total"
	metricRunDuration    = "logshipper.run.duration.seconds"

	attrStatus  = "status"
	attrOutcome = "outcome"
	attrState   = "state"

	commitStatusCommitted = "committed"
	commitStatusFailed    = "failed"
)

// Object statuses recorded by RecordObject.
const (
	ObjectShipped        = "shipped"
	ObjectFiltered       = "filtered"
	ObjectFetchFailed    = "fetch_failed"
	ObjectTransientSkip  = "transient_skipped"
	ObjectRejected       = "rejected"
	ObjectDedupWriteFail = "dedup_write_failed"
)

// durationBucketBoundaries covers sub-second no-op runs up to runs that
// spend their whole retry budget on many objects.
var durationBucketBoundaries = []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// ShipperMetrics holds the instruments of a shipping run.
type ShipperMetrics struct {
	objects        metric.Int64Counter
	entriesSent    metric.Int64Counter
	entriesDup     metric.Int64Counter
	ingestAttempts metric.Int64Counter
	ingestBatches  metric.Int64Counter
	commits        metric.Int64Counter
	runDuration    metric.Float64Histogram
}

// NewShipperMetrics creates the instruments from mt.
func NewShipperMetrics(mt metric.Meter) (*ShipperMetrics, error) {
	b := newMetricBuilder(mt)

	m := &ShipperMetrics{
		objects:        b.counter(metricObjectsTotal, "Objects processed, by status", "{object}"),
		entriesSent:    b.counter(metricEntriesSent, "Entries accepted downstream", "{entry}"),
		entriesDup:     b.counter(metricEntriesDup, "Entries suppressed as duplicates", "{entry}"),
		ingestAttempts: b.counter(metricIngestAttempts, "Delivery attempts, by final batch outcome", "{attempt}"),
		ingestBatches:  b.counter(metricIngestBatches, "Batches delivered, by outcome", "{batch}"),
		commits:        b.counter(metricCommitsTotal, "Checkpoint commits, by status", "{commit}"),
		runDuration: b.histogram(metricRunDuration, "Duration of a shipping run", "s",
			durationBucketBoundaries...),
	}

	if b.err != nil {
		return nil, b.err
	}

	return m, nil
}

// NoopShipperMetrics returns instruments that record nothing.
func NoopShipperMetrics() *ShipperMetrics {
	return &ShipperMetrics{
		objects:        noopmetric.Int64Counter{},
		entriesSent:    noopmetric.Int64Counter{},
		entriesDup:     noopmetric.Int64Counter{},
		ingestAttempts: noopmetric.Int64Counter{},
		ingestBatches:  noopmetric.Int64Counter{},
		commits:        noopmetric.Int64Counter{},
		runDuration:    noopmetric.Float64Histogram{},
	}
}

// RecordObject counts one processed object.
func (m *ShipperMetrics) RecordObject(ctx context.Context, status string) {
	m.objects.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordDuplicates counts entries dropped by deduplication.
func (m *ShipperMetrics) RecordDuplicates(ctx context.Context, n int) {
	if n > 0 {
		m.entriesDup.Add(ctx, int64(n))
	}
}

// RecordSend counts one batch delivery and its attempts.
func (m *ShipperMetrics) RecordSend(ctx context.Context, outcome string, attempts, accepted int) {
	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))

	m.ingestBatches.Add(ctx, 1, attrs)
	m.ingestAttempts.Add(ctx, int64(attempts), attrs)

	if accepted > 0 {
		m.entriesSent.Add(ctx, int64(accepted))
	}
}

// RecordCommit counts a checkpoint commit.
func (m *ShipperMetrics) RecordCommit(ctx context.Context, err error) {
	status := commitStatusCommitted
	if err != nil {
		status = commitStatusFailed
	}

	m.commits.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// RecordRun records the duration of a run and the state it ended in.
func (m *ShipperMetrics) RecordRun(ctx context.Context, state string, d time.Duration) {
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String(attrState, state)))
}
