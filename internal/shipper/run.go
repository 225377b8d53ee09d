package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/entry"
	"github.com/Sumatoshi-tech/logshipper/internal/ingest"
	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/observability"
)

// Span names.
const (
	spanRun    = "logshipper.run"
	spanObject = "logshipper.object"
	spanSend   = "logshipper.ingest.send"
)

// pass holds the mutable state of one run.
type pass struct {
	start  time.Time
	span   trace.Span
	report Report
	loaded model.Checkpoint
	staged model.Checkpoint
	filter *dedup.Filter
}

// Run performs one shipping pass.
//
// The returned error is nil when the pass completed, including passes that
// skipped objects after fetch or transient delivery failures. A store,
// scan, permanent rejection or fingerprint write failure aborts the pass
// without committing. Cancellation stops processing and commits the
// objects that were completed before it; the error then wraps ctx.Err().
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	p := &pass{start: o.now(), report: Report{State: StateIdle}}

	ctx, p.span = o.tracer.Start(ctx, spanRun, trace.WithAttributes(
		attribute.String("source.root", o.opts.SourceRoot),
	))
	defer p.span.End()

	err := o.execute(ctx, p)

	p.report.Checkpoint = p.staged
	p.report.Duration = o.now().Sub(p.start)

	p.span.SetAttributes(
		attribute.String("run.state", string(p.report.State)),
		attribute.Int("run.objects.seen", p.report.ObjectsSeen),
		attribute.Int("run.objects.shipped", p.report.ObjectsShipped),
		attribute.Int("run.entries.sent", p.report.EntriesSent),
		attribute.Bool("run.committed", p.report.Committed),
	)

	o.metrics.RecordRun(ctx, string(p.report.State), p.report.Duration)

	o.logger.InfoContext(ctx, "run finished",
		"state", p.report.State,
		"objects_seen", p.report.ObjectsSeen,
		"objects_shipped", p.report.ObjectsShipped,
		"objects_filtered", p.report.ObjectsFiltered,
		"objects_skipped", p.report.ObjectsSkipped,
		"entries_sent", p.report.EntriesSent,
		"entries_duplicate", p.report.EntriesDuplicate,
		"committed", p.report.Committed,
		"duration", p.report.Duration,
	)

	return p.report, err
}

func (o *Orchestrator) execute(ctx context.Context, p *pass) error {
	cp, err := o.checkpoints.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancel(ctx, p)
		}

		return o.abort(ctx, p, err)
	}

	p.loaded = cp
	p.staged = cp.Clone()
	p.filter = dedup.NewFilter(o.index, o.logger)

	o.transition(ctx, p, StateLoaded)
	o.transition(ctx, p, StateScanning)

	err = o.scan(ctx, p)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancel(ctx, p)
		}

		return o.abort(ctx, p, err)
	}

	return o.commit(ctx, p)
}

func (o *Orchestrator) scan(ctx context.Context, p *pass) error {
	for _, partition := range o.partitions(p.start) {
		for info, err := range o.source.ListSince(ctx, o.opts.SourceRoot, partition, p.loaded) {
			if err != nil {
				return err
			}

			err = ctx.Err()
			if err != nil {
				return err
			}

			p.report.ObjectsSeen++

			err = o.shipObject(ctx, p, info)
			if err != nil {
				return err
			}

			o.transition(ctx, p, StateScanning)
		}
	}

	return nil
}

// shipObject processes one object. A nil error covers both a shipped object
// and one skipped for this run; a non-nil error ends the pass.
func (o *Orchestrator) shipObject(ctx context.Context, p *pass, info model.ObjectInfo) error {
	ctx, span := o.tracer.Start(ctx, spanObject, trace.WithAttributes(
		attribute.String("object.name", info.Name),
		attribute.Int64("object.size", info.Size),
	))
	defer span.End()

	log := o.logger.With("object", info.Name)

	obj, err := o.source.Fetch(ctx, info)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		observability.RecordSpanError(span, err, observability.ErrTypeFetchFailure, observability.ErrSourceStorage)
		log.WarnContext(ctx, "object skipped, fetch failed", "error", err)

		p.report.ObjectsSkipped++
		o.metrics.RecordObject(ctx, observability.ObjectFetchFailed)

		return nil
	}

	entries := entry.Split(obj.Content)
	fresh, duplicates := p.filter.Apply(ctx, entries)

	p.report.EntriesDuplicate += duplicates
	o.metrics.RecordDuplicates(ctx, duplicates)

	span.SetAttributes(
		attribute.Int("object.entries", len(entries)),
		attribute.Int("object.duplicates", duplicates),
	)

	if len(fresh) == 0 {
		p.staged.Stage(info.Name, info.LastModified)
		p.report.ObjectsFiltered++
		o.metrics.RecordObject(ctx, observability.ObjectFiltered)
		log.DebugContext(ctx, "object has no new entries", "entries", len(entries))

		return nil
	}

	batches := ingest.Split(fresh, o.opts.BatchSize, o.opts.MaxBatchBytes)

	for i, batch := range batches {
		err = ctx.Err()
		if err != nil {
			return err
		}

		o.transition(ctx, p, StateSending)

		res := o.send(ctx, p, i, batch)

		switch res.Outcome {
		case model.Accepted:
			err = dedup.RecordAll(ctx, o.index, batch, o.now())
			if err != nil {
				if !errors.Is(err, model.ErrStoreUnavailable) {
					err = fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
				}

				observability.RecordSpanError(span, err, observability.ErrTypeStoreUnavailable, observability.ErrSourceStorage)
				o.metrics.RecordObject(ctx, observability.ObjectDedupWriteFail)

				return fmt.Errorf("record fingerprints of %s: %w", info.Name, err)
			}

			p.report.EntriesSent += len(batch)
		case model.RejectedPermanently:
			err = res.Err()

			observability.RecordSpanError(span, err, observability.ErrTypeRejected, observability.ErrSourceDownstream)
			o.metrics.RecordObject(ctx, observability.ObjectRejected)

			return fmt.Errorf("ship %s: %w", info.Name, err)
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			for _, rest := range batches[i:] {
				p.filter.Forget(rest)
			}

			observability.RecordSpanError(span, res.Err(), observability.ErrTypeTransient, observability.ErrSourceDownstream)
			log.WarnContext(ctx, "object skipped, delivery kept failing",
				"batch", i, "attempts", res.Attempts, "status", res.StatusCode, "reason", res.Reason)

			p.report.ObjectsSkipped++
			o.metrics.RecordObject(ctx, observability.ObjectTransientSkip)

			return nil
		}
	}

	p.staged.Stage(info.Name, info.LastModified)
	p.report.ObjectsShipped++
	o.metrics.RecordObject(ctx, observability.ObjectShipped)

	log.InfoContext(ctx, "object shipped",
		"entries", len(fresh), "batches", len(batches), "duplicates", duplicates)

	return nil
}

func (o *Orchestrator) send(ctx context.Context, p *pass, index int, batch model.Batch) model.Result {
	ctx, span := o.tracer.Start(ctx, spanSend, trace.WithAttributes(
		attribute.Int("batch.index", index),
		attribute.Int("batch.entries", len(batch)),
		attribute.Int("batch.bytes", batch.Bytes()),
	))
	defer span.End()

	res := o.client.Send(ctx, batch)

	// Retries happen inside the client; the state change is recorded once
	// the attempts are known.
	if res.Attempts > 1 {
		o.transition(ctx, p, StateRetrying)
	}

	span.SetAttributes(
		attribute.String("ingest.outcome", res.Outcome.String()),
		attribute.Int("ingest.attempts", res.Attempts),
		attribute.Int("ingest.status_code", res.StatusCode),
	)

	switch res.Outcome {
	case model.Accepted:
	case model.RejectedPermanently:
		observability.RecordSpanError(span, res.Err(), observability.ErrTypeRejected, observability.ErrSourceDownstream)
	default:
		observability.RecordSpanError(span, res.Err(), observability.ErrTypeTransient, observability.ErrSourceDownstream)
	}

	o.metrics.RecordSend(ctx, res.Outcome.String(), res.Attempts, res.AcceptedCount)

	return res
}

// commit writes the staged checkpoint. A pass that staged nothing new
// leaves the stored document untouched.
func (o *Orchestrator) commit(ctx context.Context, p *pass) error {
	if p.staged.Equal(p.loaded) {
		o.logger.InfoContext(ctx, "no watermark advanced, commit skipped")
		o.transition(ctx, p, StateIdle)

		return nil
	}

	o.transition(ctx, p, StateCommitting)

	err := o.checkpoints.Commit(ctx, p.staged)
	o.metrics.RecordCommit(ctx, err)

	if err != nil {
		return o.abort(ctx, p, err)
	}

	p.report.Committed = true
	o.transition(ctx, p, StateIdle)

	return nil
}

// cancel commits the completed objects under a detached, bounded context
// and reports the cancellation.
func (o *Orchestrator) cancel(ctx context.Context, p *pass) error {
	cause := ctx.Err()

	o.logger.WarnContext(ctx, "run canceled", "error", cause)

	var commitErr error

	if p.loaded != nil {
		commitCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), o.opts.CommitTimeout)
		defer stop()

		commitErr = o.commit(commitCtx, p)
	}

	p.report.State = StateAborted
	p.report.Cause = cause
	observability.RecordSpanError(p.span, cause, observability.ErrTypeCanceled, observability.ErrSourceClient)

	if commitErr != nil {
		return errors.Join(cause, commitErr)
	}

	return cause
}

func (o *Orchestrator) abort(ctx context.Context, p *pass, err error) error {
	errType, source := classify(err)

	o.logger.ErrorContext(ctx, "run aborted", "state", p.report.State, "error", err)

	p.report.State = StateAborted
	p.report.Cause = err
	observability.RecordSpanError(p.span, err, errType, source)

	return err
}

func (o *Orchestrator) transition(ctx context.Context, p *pass, next State) {
	if p.report.State == next {
		return
	}

	p.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(p.report.State)),
		attribute.String("to", string(next)),
	))

	if o.logger.Enabled(ctx, slog.LevelDebug) {
		o.logger.DebugContext(ctx, "state changed", "from", p.report.State, "to", next)
	}

	p.report.State = next
}

func classify(err error) (string, string) {
	switch {
	case errors.Is(err, model.ErrRejectedPermanently):
		return observability.ErrTypeRejected, observability.ErrSourceDownstream
	case errors.Is(err, model.ErrScanUnavailable):
		return observability.ErrTypeScanUnavailable, observability.ErrSourceStorage
	default:
		return observability.ErrTypeStoreUnavailable, observability.ErrSourceStorage
	}
}
