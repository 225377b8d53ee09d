// Package model defines the data shared by the log-shipping pipeline:
// checkpoints, listed and fetched objects, entries, batches and ingestion
// results.
package model

import (
	"bytes"
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// Checkpoint maps a source identifier to its last-modified watermark.
type Checkpoint map[string]time.Time

// Watermark returns the recorded watermark for id.
func (c Checkpoint) Watermark(id string) (time.Time, bool) {
	t, ok := c[id]

	return t, ok
}

// Stage records t as the watermark for id. The watermark never moves
// backwards: an older t leaves the current value in place.
// Stage reports whether the stored value changed.
func (c Checkpoint) Stage(id string, t time.Time) bool {
	cur, ok := c[id]
	if ok && !t.After(cur) {
		return false
	}

	c[id] = t

	return true
}

// Clone returns an independent copy of the checkpoint. A nil checkpoint
// clones to an empty one.
func (c Checkpoint) Clone() Checkpoint {
	out := make(Checkpoint, len(c))
	maps.Copy(out, c)

	return out
}

// Equal reports whether both checkpoints hold the same keys and instants.
func (c Checkpoint) Equal(other Checkpoint) bool {
	return maps.EqualFunc(c, other, func(a, b time.Time) bool { return a.Equal(b) })
}

// ObjectInfo describes one listed log object before its content is fetched.
type ObjectInfo struct {
	Name         string
	LastModified time.Time
	Size         int64
}

// LogObject is a listed object together with its fetched content.
type LogObject struct {
	ObjectInfo

	Content []byte
}

// Entry is one record extracted from a LogObject.
type Entry struct {
	// Data holds the exact record bytes, without the trailing separator.
	Data []byte
	// Raw marks content that could not be parsed as a structured record and
	// is forwarded in degraded mode.
	Raw bool
	// Fingerprint is the digest of Data used for deduplication.
	Fingerprint string
}

// IsRecord reports whether data is a structured record: a valid JSON
// object. Scalars, arrays and null are not records.
func IsRecord(data []byte) bool {
	trimmed := bytes.TrimSpace(data)

	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Batch is an ordered group of entries submitted together.
type Batch []Entry

// Bytes returns the summed size of the entry payloads.
func (b Batch) Bytes() int {
	total := 0
	for _, e := range b {
		total += len(e.Data)
	}

	return total
}

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// Accepted means the endpoint confirmed the batch.
	Accepted Outcome = iota
	// RejectedPermanently means the endpoint refused the batch for good.
	RejectedPermanently
	// TransientFailure means delivery did not succeed within the retry budget.
	TransientFailure
)

// String returns the outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedPermanently:
		return "rejected"
	case TransientFailure:
		return "transient"
	default:
		return "unknown"
	}
}

// Result is the outcome of delivering one batch.
type Result struct {
	Outcome       Outcome
	AcceptedCount int
	Reason        string
	StatusCode    int
	Attempts      int
}

// Err converts a non-accepted result into its sentinel error kind.
// It returns nil for accepted results.
func (r Result) Err() error {
	switch r.Outcome {
	case Accepted:
		return nil
	case RejectedPermanently:
		return &DeliveryError{Kind: ErrRejectedPermanently, Result: r}
	default:
		return &DeliveryError{Kind: ErrTransientFailure, Result: r}
	}
}

// DeliveryError carries a failed Result together with its error kind.
type DeliveryError struct {
	Kind   error
	Result Result
}

func (e *DeliveryError) Error() string {
	if e.Result.StatusCode != 0 {
		return e.Kind.Error() + ": HTTP " + strconv.Itoa(e.Result.StatusCode) + ": " + e.Result.Reason
	}

	return e.Kind.Error() + ": " + e.Result.Reason
}

// Unwrap exposes the sentinel kind to errors.Is.
func (e *DeliveryError) Unwrap() error {
	return e.Kind
}
