package shipper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Sumatoshi-tech/logshipper/internal/checkpoint"
	"github.com/Sumatoshi-tech/logshipper/internal/dedup"
	"github.com/Sumatoshi-tech/logshipper/internal/ingest"
	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/objstore"
	"github.com/Sumatoshi-tech/logshipper/internal/retry"
	"github.com/Sumatoshi-tech/logshipper/internal/scanner"
)

const (
	sourceContainer     = "flow-logs"
	checkpointContainer = "checkpoints"
)

var (
	t1 = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClient records every batch. Without respond it accepts everything.
type fakeClient struct {
	mu      sync.Mutex
	respond func(call int, batch model.Batch) model.Result
	sent    []model.Batch
}

func (c *fakeClient) Send(_ context.Context, batch model.Batch) model.Result {
	c.mu.Lock()
	c.sent = append(c.sent, batch)
	call := len(c.sent)
	respond := c.respond
	c.mu.Unlock()

	if respond != nil {
		return respond(call, batch)
	}

	return model.Result{Outcome: model.Accepted, AcceptedCount: len(batch), Attempts: 1}
}

func (c *fakeClient) entries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string

	for _, b := range c.sent {
		for _, e := range b {
			out = append(out, string(e.Data))
		}
	}

	return out
}

func contains(batch model.Batch, marker string) bool {
	for _, e := range batch {
		if strings.Contains(string(e.Data), marker) {
			return true
		}
	}

	return false
}

type fixture struct {
	svc   *objstore.Memory
	cps   *checkpoint.Store
	index *dedup.SQLiteIndex
	spans *tracetest.SpanRecorder
	tp    *sdktrace.TracerProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	svc := objstore.NewMemory()

	idx, err := dedup.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "dedup.db"), dedup.SQLiteOptions{})
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, idx.Close()) })

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	t.Cleanup(func() { require.NoError(t, tp.Shutdown(context.Background())) })

	return &fixture{
		svc:   svc,
		cps:   checkpoint.NewStore(svc.Container(checkpointContainer), "", discardLogger()),
		index: idx,
		spans: spans,
		tp:    tp,
	}
}

func (f *fixture) put(name, content string, modified time.Time) {
	f.svc.Put(sourceContainer, name, []byte(content), modified)
}

func (f *fixture) deps(client ingest.Client) Deps {
	return Deps{
		Checkpoints: f.cps,
		Source:      scanner.New(f.svc.Container(sourceContainer), scanner.Options{Logger: discardLogger()}),
		Index:       f.index,
		Client:      client,
		Logger:      discardLogger(),
		Tracer:      f.tp.Tracer("test"),
	}
}

func (f *fixture) orchestrator(t *testing.T, client ingest.Client, opts Options) *Orchestrator {
	t.Helper()

	o, err := New(f.deps(client), opts)
	require.NoError(t, err)

	return o
}

func (f *fixture) committed(t *testing.T) model.Checkpoint {
	t.Helper()

	cp, err := f.cps.Load(context.Background())
	require.NoError(t, err)

	return cp
}

func (f *fixture) rawCheckpoint(t *testing.T) []byte {
	t.Helper()

	data, err := f.svc.Container(checkpointContainer).Read(context.Background(), checkpoint.DefaultBlob)
	require.NoError(t, err)

	return data
}

func (f *fixture) rows(t *testing.T) int64 {
	t.Helper()

	n, err := f.index.Count(context.Background())
	require.NoError(t, err)

	return n
}

func assertCheckpoint(t *testing.T, want, got model.Checkpoint) {
	t.Helper()

	assert.True(t, want.Equal(got), "checkpoint: want %v, got %v", want, got)
}

const (
	objA = "a.json"
	objB = "b.json"
	objX = "x.json"
	objY = "y.json"

	threeEntries = `{"id":"e1"}` + "\n" + `{"id":"e2"}` + "\n" + `{"id":"e3"}` + "\n"
)

func TestNew_MissingDependency(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	deps := f.deps(&fakeClient{})
	deps.Client = nil

	_, err := New(deps, Options{})
	require.ErrorIs(t, err, ErrMissingDependency)

	deps = f.deps(&fakeClient{})
	deps.Index = nil

	_, err = New(deps, Options{})
	require.ErrorIs(t, err, ErrMissingDependency)
}

func TestRun_SharedEntriesShippedOnceAndBothWatermarksAdvance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)
	f.put(objB, threeEntries, t2)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"id":"e1"}`, `{"id":"e2"}`, `{"id":"e3"}`}, client.entries())
	assert.Equal(t, StateIdle, report.State)
	assert.Equal(t, 2, report.ObjectsSeen)
	assert.Equal(t, 1, report.ObjectsShipped)
	assert.Equal(t, 1, report.ObjectsFiltered)
	assert.Equal(t, 3, report.EntriesSent)
	assert.Equal(t, 3, report.EntriesDuplicate)
	assert.True(t, report.Committed)

	assertCheckpoint(t, model.Checkpoint{objA: t1, objB: t2}, f.committed(t))
	assert.Equal(t, int64(3), f.rows(t))
}

func TestRun_NoopRunLeavesCheckpointUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	_, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.NoError(t, err)

	before := f.rawCheckpoint(t)

	// A second pass must not even try to write.
	f.svc.FailWrite(checkpointContainer, errBoom)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, client.entries())
	assert.Zero(t, report.ObjectsSeen)
	assert.False(t, report.Committed)
	assert.Equal(t, StateIdle, report.State)
	assert.Equal(t, before, f.rawCheckpoint(t))
}

func TestRun_NothingToShipOnFirstRunWritesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	report, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Committed)

	_, readErr := f.svc.Container(checkpointContainer).Read(context.Background(), checkpoint.DefaultBlob)
	require.ErrorIs(t, readErr, objstore.ErrNotExist)
}

func TestRun_ReobservedObjectIsNotResent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	_, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.NoError(t, err)

	// Same content, touched again.
	f.put(objA, threeEntries, t2)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, client.entries())
	assert.Equal(t, 1, report.ObjectsFiltered)
	assert.Equal(t, 3, report.EntriesDuplicate)
	assertCheckpoint(t, model.Checkpoint{objA: t2}, f.committed(t))
}

func TestRun_AppendedObjectSendsOnlyNewEntries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	_, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.NoError(t, err)

	f.put(objA, threeEntries+`{"id":"e4"}`+"\n", t2)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"id":"e4"}`}, client.entries())
	assert.Equal(t, 1, report.ObjectsShipped)
	assertCheckpoint(t, model.Checkpoint{objA: t2}, f.committed(t))
}

func TestRun_WatermarkExcludesUnchangedObjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.cps.Commit(context.Background(), model.Checkpoint{objA: t1}))

	f.put(objA, `{"id":"old"}`, t1)
	f.put(objB, `{"id":"new"}`, t2)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"id":"new"}`}, client.entries())
	assert.Equal(t, 1, report.ObjectsSeen)
	assertCheckpoint(t, model.Checkpoint{objA: t1, objB: t2}, f.committed(t))
}

func TestRun_PermanentRejectionAbortsWithoutCommit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	require.NoError(t, f.cps.Commit(context.Background(), model.Checkpoint{"earlier.json": t1}))
	before := f.rawCheckpoint(t)

	f.put(objX, `{"id":"x1"}`, t1)
	f.put(objY, `{"id":"y1"}`, t2)

	client := &fakeClient{respond: func(_ int, _ model.Batch) model.Result {
		return model.Result{Outcome: model.RejectedPermanently, StatusCode: http.StatusBadRequest, Attempts: 1}
	}}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrRejectedPermanently)

	assert.Equal(t, StateAborted, report.State)
	assert.False(t, report.Committed)
	require.ErrorIs(t, report.Cause, model.ErrRejectedPermanently)
	assert.Len(t, client.entries(), 1, "the run stops at the first rejection")
	assert.Equal(t, before, f.rawCheckpoint(t))
	assert.Zero(t, f.rows(t))
}

func TestRun_UnauthorizedEndpointAbortsRun(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	report, err := f.orchestrator(t, newHTTPClient(t, srv.URL, time.Second), Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrRejectedPermanently)

	var delivery *model.DeliveryError
	require.ErrorAs(t, err, &delivery)
	assert.Equal(t, http.StatusUnauthorized, delivery.Result.StatusCode)

	assert.Equal(t, StateAborted, report.State)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, f.committed(t))
	assert.Zero(t, f.rows(t))
}

func TestRun_TransientFailureSkipsOnlyThatObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objX, `{"id":"x1"}`, t1)
	f.put(objY, `{"id":"y1"}`, t2)

	client := &fakeClient{respond: func(_ int, batch model.Batch) model.Result {
		if contains(batch, "x1") {
			return model.Result{Outcome: model.TransientFailure, Attempts: 5, Reason: "timeout"}
		}

		return model.Result{Outcome: model.Accepted, AcceptedCount: len(batch), Attempts: 1}
	}}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ObjectsSkipped)
	assert.Equal(t, 1, report.ObjectsShipped)
	assertCheckpoint(t, model.Checkpoint{objY: t2}, f.committed(t))
	assert.Equal(t, int64(1), f.rows(t))
}

func TestRun_TimeoutsExhaustBudgetAndNextObjectProceeds(t *testing.T) {
	t.Parallel()

	var xCalls atomic.Int32

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "x1") {
			xCalls.Add(1)
			select {
			case <-r.Context().Done():
			case <-release:
			}

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"Success","eventCount":1}`)
	}))
	defer srv.Close()
	defer close(release)

	f := newFixture(t)
	f.put(objX, `{"id":"x1"}`, t1)
	f.put(objY, `{"id":"y1"}`, t2)

	start := time.Now()

	report, err := f.orchestrator(t, newHTTPClient(t, srv.URL, 20*time.Millisecond), Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 30*time.Second)
	assert.Equal(t, int32(5), xCalls.Load())
	assert.Equal(t, 1, report.ObjectsSkipped)
	assertCheckpoint(t, model.Checkpoint{objY: t2}, f.committed(t))
}

func TestRun_PartiallyDeliveredObjectIsNotStaged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	flaky := &fakeClient{respond: func(call int, batch model.Batch) model.Result {
		if call == 1 {
			return model.Result{Outcome: model.Accepted, AcceptedCount: len(batch), Attempts: 1}
		}

		return model.Result{Outcome: model.TransientFailure, Attempts: 5}
	}}

	report, err := f.orchestrator(t, flaky, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ObjectsSkipped)
	assert.False(t, report.Committed)
	assert.Equal(t, int64(1), f.rows(t))

	client := &fakeClient{}

	report, err = f.orchestrator(t, client, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"id":"e2"}`, `{"id":"e3"}`}, client.entries())
	assert.Equal(t, 1, report.EntriesDuplicate)
	assertCheckpoint(t, model.Checkpoint{objA: t1}, f.committed(t))
}

func TestRun_FetchFailureSkipsObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objX, `{"id":"x1"}`, t1)
	f.put(objY, `{"id":"y1"}`, t2)
	f.svc.FailRead(sourceContainer, objX, errBoom)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{`{"id":"y1"}`}, client.entries())
	assert.Equal(t, 1, report.ObjectsSkipped)
	assertCheckpoint(t, model.Checkpoint{objY: t2}, f.committed(t))
}

func TestRun_MalformedContentIsForwardedRaw(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, `{"id":"ok"}`+"\n"+`not json at all`+"\n", t1)

	client := &fakeClient{}

	_, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, client.sent, 1)
	require.Len(t, client.sent[0], 2)
	assert.False(t, client.sent[0][0].Raw)
	assert.True(t, client.sent[0][1].Raw)
	assert.Equal(t, "not json at all", string(client.sent[0][1].Data))
}

func TestRun_BatchesRespectSizeLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var content strings.Builder
	for i := range 7 {
		content.WriteString(`{"n":` + strconv.Itoa(i) + "}\n")
	}

	f.put(objA, content.String(), t1)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{BatchSize: 3}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, client.sent, 3)
	assert.Len(t, client.sent[0], 3)
	assert.Len(t, client.sent[2], 1)
	assert.Equal(t, 7, report.EntriesSent)
}

func TestRun_CorruptCheckpointAbortsBeforeScanning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.Put(checkpointContainer, checkpoint.DefaultBlob, []byte(`{"a.json": 12}`), t1)
	f.put(objA, threeEntries, t1)

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)

	assert.Equal(t, StateAborted, report.State)
	assert.Empty(t, client.entries())
}

func TestRun_UnreachableCheckpointStoreAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.FailRead(checkpointContainer, checkpoint.DefaultBlob, errBoom)
	f.put(objA, threeEntries, t1)

	client := &fakeClient{}

	_, err := f.orchestrator(t, client, Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	assert.Empty(t, client.entries())
}

func TestRun_ListFailureAbortsWithoutCommit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.svc.FailList(sourceContainer, errBoom)

	report, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrScanUnavailable)

	assert.Equal(t, StateAborted, report.State)
	assert.False(t, report.Committed)
}

func TestRun_CommitFailureIsReported(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)
	f.svc.FailWrite(checkpointContainer, errBoom)

	report, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)

	assert.Equal(t, StateAborted, report.State)
	assert.False(t, report.Committed)
	assertCheckpoint(t, model.Checkpoint{objA: t1}, report.Checkpoint)
}

// failingIndex reads through to a real index but cannot record.
type failingIndex struct {
	dedup.Index
}

func (failingIndex) Record(context.Context, string, time.Time) error {
	return errBoom
}

func TestRun_FingerprintWriteFailureAborts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	deps := f.deps(&fakeClient{})
	deps.Index = failingIndex{Index: f.index}

	o, err := New(deps, Options{})
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
	require.ErrorIs(t, err, errBoom)

	assert.Equal(t, StateAborted, report.State)
	assert.Empty(t, f.committed(t))
}

func TestRun_CancellationCommitsCompletedObjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objX, `{"id":"x1"}`, t1)
	f.put(objY, `{"id":"y1"}`, t2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeClient{respond: func(_ int, batch model.Batch) model.Result {
		if contains(batch, "y1") {
			cancel()

			return model.Result{Outcome: model.TransientFailure, Attempts: 1, Reason: "context canceled"}
		}

		return model.Result{Outcome: model.Accepted, AcceptedCount: len(batch), Attempts: 1}
	}}

	report, err := f.orchestrator(t, client, Options{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, StateAborted, report.State)
	assert.True(t, report.Committed)
	assertCheckpoint(t, model.Checkpoint{objX: t1}, f.committed(t))
}

func TestRun_CanceledBeforeStartDoesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{}

	report, err := f.orchestrator(t, client, Options{}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, report.Committed)
	assert.Empty(t, client.entries())
}

func TestRun_ScansPartitionsWithLookback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put("root/2026/10/14/07/z.json", `{"id":"z"}`, t1)
	f.put("root/2026/10/14/08/x.json", `{"id":"x"}`, t1)
	f.put("root/2026/10/14/09/y.json", `{"id":"y"}`, t2)

	deps := f.deps(&fakeClient{})
	client := &fakeClient{}
	deps.Client = client
	deps.Now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }

	o, err := New(deps, Options{
		SourceRoot:      "root",
		PartitionLayout: scanner.DefaultPartitionLayout,
		Lookback:        1,
	})
	require.NoError(t, err)

	report, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.ObjectsSeen)
	assert.Equal(t, []string{`{"id":"x"}`, `{"id":"y"}`}, client.entries())
}

func TestRun_EmitsNestedSpans(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.put(objA, threeEntries, t1)

	_, err := f.orchestrator(t, &fakeClient{}, Options{}).Run(context.Background())
	require.NoError(t, err)

	names := make(map[string]int)
	for _, s := range f.spans.Ended() {
		names[s.Name()]++
	}

	assert.Equal(t, 1, names[spanRun])
	assert.Equal(t, 1, names[spanObject])
	assert.Equal(t, 1, names[spanSend])
}

func newHTTPClient(t *testing.T, url string, timeout time.Duration) *ingest.HTTPClient {
	t.Helper()

	c, err := ingest.NewHTTPClient(ingest.HTTPOptions{
		URL:            url,
		Token:          "test-token",
		RequestTimeout: timeout,
		Policy: retry.Policy{
			MaxAttempts:     5,
			MaxElapsed:      30 * time.Second,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	return c
}
