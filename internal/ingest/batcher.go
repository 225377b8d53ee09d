package ingest

import "github.com/Sumatoshi-tech/logshipper/internal/model"

// Default batch limits. DefaultBatchSize matches the legacy collector's
// LOG_BATCHES.
const (
	DefaultBatchSize     = 5000
	DefaultMaxBatchBytes = 4 << 20
)

// Split cuts entries into consecutive batches holding at most maxCount
// entries and at most maxBytes of payload. An entry larger than maxBytes
// travels alone. Non-positive limits are unbounded. Order is preserved.
func Split(entries []model.Entry, maxCount, maxBytes int) []model.Batch {
	if len(entries) == 0 {
		return nil
	}

	var (
		out     []model.Batch
		current model.Batch
		size    int
	)

	for _, e := range entries {
		full := maxCount > 0 && len(current) >= maxCount
		over := maxBytes > 0 && len(current) > 0 && size+len(e.Data) > maxBytes

		if full || over {
			out = append(out, current)
			current, size = nil, 0
		}

		current = append(current, e)
		size += len(e.Data)
	}

	return append(out, current)
}
