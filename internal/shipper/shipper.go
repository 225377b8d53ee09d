// Package shipper runs one incremental shipping pass: load the checkpoint,
// scan for new objects, deliver their unseen entries and commit the
// watermarks of the objects that were fully accepted.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/ingest"
	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/observability"
	"github.com/Sumatoshi-tech/logshipper/internal/scanner"
)

// DefaultCommitTimeout bounds the final commit after cancellation.
const DefaultCommitTimeout = 30 * time.Second

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("shipper dependency is missing")

// State is the orchestration state reported by a run.
type State string

// Orchestration states.
const (
	StateIdle       State = "idle"
	StateLoaded     State = "loaded"
	StateScanning   State = "scanning"
	StateSending    State = "sending"
	StateRetrying   State = "retrying"
	StateCommitting State = "committing"
	StateAborted    State = "aborted"
)

// CheckpointStore loads and commits the watermark document.
type CheckpointStore interface {
	Load(ctx context.Context) (model.Checkpoint, error)
	Commit(ctx context.Context, cp model.Checkpoint) error
}

// Source lists and fetches log objects.
type Source interface {
	ListSince(ctx context.Context, sourceRoot, partitionPrefix string, cp model.Checkpoint) iter.Seq2[model.ObjectInfo, error]
	Fetch(ctx context.Context, info model.ObjectInfo) (model.LogObject, error)
}

var _ Source = (*scanner.Scanner)(nil)

// Deps are the collaborators of an Orchestrator. Checkpoints, Source, Index
// and Client are required.
type Deps struct {
	Checkpoints CheckpointStore
	Source      Source
	Index       dedup.Index
	Client      ingest.Client

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *observability.ShipperMetrics
	Now     func() time.Time
}

// Options tune a run.
type Options struct {
	// SourceRoot is the path of the source inside its container.
	SourceRoot string
	// PartitionLayout is a time layout for partition prefixes. Empty lists
	// the whole source root.
	PartitionLayout string
	// Lookback adds that many earlier hourly partitions to the scan.
	Lookback int
	// BatchSize caps the entries per batch.
	BatchSize int
	// MaxBatchBytes caps the payload bytes per batch. Zero means no limit.
	MaxBatchBytes int
	// CommitTimeout bounds the commit that follows a cancellation.
	CommitTimeout time.Duration
}

// Report summarizes one run.
type Report struct {
	State State

	ObjectsSeen     int
	ObjectsShipped  int
	ObjectsFiltered int
	ObjectsSkipped  int

	EntriesSent      int
	EntriesDuplicate int

	// Committed is set when the staged checkpoint was written.
	Committed bool
	// Checkpoint is the staged checkpoint at the end of the run.
	Checkpoint model.Checkpoint
	// Cause is the error that aborted the run.
	Cause error

	Duration time.Duration
}

// Orchestrator runs shipping passes. It is not safe for concurrent Run
// calls; one run at a time per source is assumed.
type Orchestrator struct {
	checkpoints CheckpointStore
	source      Source
	index       dedup.Index
	client      ingest.Client

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.ShipperMetrics
	now     func() time.Time

	opts Options
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("%w: checkpoint store", ErrMissingDependency)
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: source", ErrMissingDependency)
	case deps.Index == nil:
		return nil, fmt.Errorf("%w: dedup index", ErrMissingDependency)
	case deps.Client == nil:
		return nil, fmt.Errorf("%w: ingest client", ErrMissingDependency)
	}

	o := &Orchestrator{
		checkpoints: deps.Checkpoints,
		source:      deps.Source,
		index:       deps.Index,
		client:      deps.Client,
		logger:      deps.Logger,
		tracer:      deps.Tracer,
		metrics:     deps.Metrics,
		now:         deps.Now,
		opts:        opts,
	}

	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.tracer == nil {
		o.tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	if o.metrics == nil {
		o.metrics = observability.NoopShipperMetrics()
	}

	if o.now == nil {
		o.now = time.Now
	}

	if o.opts.BatchSize <= 0 {
		o.opts.BatchSize = ingest.DefaultBatchSize
	}

	if o.opts.MaxBatchBytes < 0 {
		o.opts.MaxBatchBytes = 0
	}

	if o.opts.CommitTimeout <= 0 {
		o.opts.CommitTimeout = DefaultCommitTimeout
	}

	return o, nil
}

// partitions returns the partition prefixes scanned by a run started at now.
func (o *Orchestrator) partitions(now time.Time) []string {
	return scanner.Partitions(o.opts.PartitionLayout, now, o.opts.Lookback)
}
