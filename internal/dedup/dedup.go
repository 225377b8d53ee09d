// Package dedup suppresses re-delivery of log entries that were already
// forwarded, across overlapping scans and across runs.
//
// The index is a best-effort filter: a fingerprint that is present means the
// entry was forwarded, an absent fingerprint does not prove the entry is new.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// FingerprintSize is the length of a hex fingerprint.
const FingerprintSize = sha256.Size * 2

// Fingerprint returns the hex SHA-256 digest of the exact entry bytes.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// Index is the durable record of forwarded fingerprints.
type Index interface {
	// Contains reports whether fp has been recorded. Lookup failures report
	// false so that delivery errs toward duplication rather than loss.
	Contains(ctx context.Context, fp string) bool

	// Record upserts fp with its first-seen time. Recording twice is harmless.
	// Failures wrap model.ErrStoreUnavailable.
	Record(ctx context.Context, fp string, firstSeen time.Time) error
}

// Filter drops entries that are already in the index or that repeat an
// earlier entry of the same run.
type Filter struct {
	index  Index
	logger *slog.Logger
	seen   map[string]struct{}
}

// NewFilter creates a run-scoped Filter over index.
func NewFilter(index Index, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}

	return &Filter{index: index, logger: logger, seen: make(map[string]struct{})}
}

// Apply fills in missing fingerprints and returns the entries still to be
// sent, in their original order, plus the number of duplicates dropped.
func (f *Filter) Apply(ctx context.Context, entries []model.Entry) ([]model.Entry, int) {
	fresh := make([]model.Entry, 0, len(entries))
	dropped := 0

	for _, e := range entries {
		if e.Fingerprint == "" {
			e.Fingerprint = Fingerprint(e.Data)
		}

		if _, dup := f.seen[e.Fingerprint]; dup {
			dropped++

			continue
		}

		f.seen[e.Fingerprint] = struct{}{}

		if f.index.Contains(ctx, e.Fingerprint) {
			f.logger.DebugContext(ctx, "duplicate entry suppressed", "fingerprint", e.Fingerprint)

			dropped++

			continue
		}

		fresh = append(fresh, e)
	}

	return fresh, dropped
}

// Forget removes fingerprints from the run-local set so that entries of a
// batch that was not delivered stay eligible for a later object of the
// same run.
func (f *Filter) Forget(entries []model.Entry) {
	for _, e := range entries {
		delete(f.seen, e.Fingerprint)
	}
}

// RecordAll records every fingerprint of the batch, stopping at the first
// failure.
func RecordAll(ctx context.Context, index Index, batch model.Batch, firstSeen time.Time) error {
	for _, e := range batch {
		err := index.Record(ctx, e.Fingerprint, firstSeen)
		if err != nil {
			return err
		}
	}

	return nil
}
