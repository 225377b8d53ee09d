// Package scanner finds log objects that changed since the last checkpoint
// and fetches their content.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pierrec/lz4/v4"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/objstore"
)

// DefaultPartitionLayout formats one partition per processing hour.
const DefaultPartitionLayout = "2006/01/02/15"

// lz4Suffix marks objects stored as lz4 frames.
const lz4Suffix = ".lz4"

// Options configures a Scanner.
type Options struct {
	// MaxObjectSize rejects objects larger than this many bytes, before and
	// after decompression. Zero disables the limit.
	MaxObjectSize uint64
	Logger        *slog.Logger
}

// Scanner lists and fetches objects from one source container.
type Scanner struct {
	container objstore.Container
	maxSize   uint64
	logger    *slog.Logger
}

// New creates a Scanner over container.
func New(container objstore.Container, opts Options) *Scanner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{container: container, maxSize: opts.MaxObjectSize, logger: logger}
}

// ListSince yields the objects under sourceRoot/partitionPrefix that are new
// to cp or whose last-modified time is strictly after the recorded
// watermark. Every range over the sequence lists again. Order follows the
// backend and is not sorted by time. A listing failure is yielded once,
// wrapping model.ErrScanUnavailable, and ends the sequence.
func (s *Scanner) ListSince(
	ctx context.Context, sourceRoot, partitionPrefix string, cp model.Checkpoint,
) iter.Seq2[model.ObjectInfo, error] {
	prefix := JoinPrefix(sourceRoot, partitionPrefix)

	return func(yield func(model.ObjectInfo, error) bool) {
		for info, err := range s.container.List(ctx, prefix) {
			if err != nil {
				yield(model.ObjectInfo{}, fmt.Errorf("%w: list %q: %w", model.ErrScanUnavailable, prefix, err))

				return
			}

			if wm, ok := cp.Watermark(info.Name); ok && !info.LastModified.After(wm) {
				continue
			}

			if !yield(info, nil) {
				return
			}
		}
	}
}

// Fetch reads the object content, decompressing lz4 objects. Failures wrap
// model.ErrFetchFailure.
func (s *Scanner) Fetch(ctx context.Context, info model.ObjectInfo) (model.LogObject, error) {
	if s.tooLarge(uint64(max(info.Size, 0))) {
		return model.LogObject{}, fmt.Errorf("%w: %s is %s, limit %s", model.ErrFetchFailure,
			info.Name, humanize.Bytes(uint64(info.Size)), humanize.Bytes(s.maxSize))
	}

	data, err := s.container.Read(ctx, info.Name)
	if err != nil {
		return model.LogObject{}, fmt.Errorf("%w: read %s: %w", model.ErrFetchFailure, info.Name, err)
	}

	if strings.HasSuffix(info.Name, lz4Suffix) {
		data, err = s.decompress(data)
		if err != nil {
			return model.LogObject{}, fmt.Errorf("%w: decompress %s: %w", model.ErrFetchFailure, info.Name, err)
		}
	}

	if s.tooLarge(uint64(len(data))) {
		return model.LogObject{}, fmt.Errorf("%w: %s content is %s, limit %s", model.ErrFetchFailure,
			info.Name, humanize.Bytes(uint64(len(data))), humanize.Bytes(s.maxSize))
	}

	s.logger.DebugContext(ctx, "object fetched", "object", info.Name, "size", humanize.Bytes(uint64(len(data))))

	return model.LogObject{ObjectInfo: info, Content: data}, nil
}

func (s *Scanner) tooLarge(n uint64) bool {
	return s.maxSize > 0 && n > s.maxSize
}

func (s *Scanner) decompress(data []byte) ([]byte, error) {
	var r io.Reader = lz4.NewReader(bytes.NewReader(data))
	if s.maxSize > 0 {
		r = io.LimitReader(r, int64(s.maxSize)+1)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}

	return out, nil
}

// JoinPrefix combines a source root and a partition into a listing prefix.
// A non-empty result ends in "/" so that partition "10" does not match "100".
func JoinPrefix(sourceRoot, partitionPrefix string) string {
	parts := make([]string, 0, 2)

	for _, p := range []string{sourceRoot, partitionPrefix} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return strings.Join(parts, "/") + "/"
}

// PartitionPrefix formats the partition containing t, in UTC, with a Go time
// layout. An empty layout selects no partition.
func PartitionPrefix(layout string, t time.Time) string {
	if layout == "" {
		return ""
	}

	return t.UTC().Format(layout)
}

// Partitions returns the partition of now plus up to lookback preceding
// hourly partitions, oldest first, without repeats.
func Partitions(layout string, now time.Time, lookback int) []string {
	if layout == "" {
		return []string{""}
	}

	lookback = max(lookback, 0)
	out := make([]string, 0, lookback+1)
	seen := make(map[string]struct{}, lookback+1)

	for i := lookback; i >= 0; i-- {
		p := PartitionPrefix(layout, now.Add(-time.Duration(i)*time.Hour))
		if _, dup := seen[p]; dup {
			continue
		}

		seen[p] = struct{}{}
		out = append(out, p)
	}

	return out
}
