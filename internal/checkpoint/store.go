// Package checkpoint persists per-source watermarks as a single JSON document
// in the object store.
//
// The document maps each source identifier to an RFC 3339 timestamp. It is
// read as a whole at the start of a run and replaced as a whole at the end.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/objstore"
)

// Default document location, compatible with documents written by the
// legacy collector.
const (
	DefaultContainer = "logscale-checkpoint-store"
	DefaultBlob      = "logscale-checkpoint.json"
)

// documentSchema accepts an object whose values are all date-time strings.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {"type": "string", "format": "date-time"}
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Store loads and commits the checkpoint document.
type Store struct {
	container objstore.Container
	blob      string
	logger    *slog.Logger
}

// NewStore creates a Store writing blob inside container.
func NewStore(container objstore.Container, blob string, logger *slog.Logger) *Store {
	if blob == "" {
		blob = DefaultBlob
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{container: container, blob: blob, logger: logger}
}

// Blob returns the document name.
func (s *Store) Blob() string {
	return s.blob
}

// Load returns the last committed checkpoint.
//
// A missing document is a first run and yields an empty checkpoint. An
// unreachable store or a document that does not validate is reported as
// model.ErrStoreUnavailable: the caller must not fall back to an empty
// checkpoint, since that would re-ingest every object.
func (s *Store) Load(ctx context.Context) (model.Checkpoint, error) {
	data, err := s.container.Read(ctx, s.blob)
	if errors.Is(err, objstore.ErrNotExist) {
		s.logger.InfoContext(ctx, "no checkpoint found, starting from empty", "blob", s.blob)

		return model.Checkpoint{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load checkpoint: %w", model.ErrStoreUnavailable, err)
	}

	cp, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: load checkpoint %s: %w", model.ErrStoreUnavailable, s.blob, err)
	}

	s.logger.InfoContext(ctx, "checkpoint loaded", "blob", s.blob, "sources", len(cp))

	return cp, nil
}

// Commit replaces the stored document with cp.
func (s *Store) Commit(ctx context.Context, cp model.Checkpoint) error {
	data, err := Encode(cp)
	if err != nil {
		return fmt.Errorf("%w: encode checkpoint: %w", model.ErrStoreUnavailable, err)
	}

	err = s.container.Write(ctx, s.blob, data)
	if err != nil {
		return fmt.Errorf("%w: commit checkpoint: %w", model.ErrStoreUnavailable, err)
	}

	s.logger.InfoContext(ctx, "checkpoint committed", "blob", s.blob, "sources", len(cp))

	return nil
}

// ErrInvalidDocument is returned by Decode for documents that parse but do
// not describe a checkpoint.
var ErrInvalidDocument = errors.New("checkpoint document does not match schema")

// Decode parses and validates a checkpoint document.
func Decode(data []byte) (model.Checkpoint, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			details = append(details, re.String())
		}

		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, details)
	}

	var raw map[string]string

	err = json.Unmarshal(data, &raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	cp := make(model.Checkpoint, len(raw))

	for id, value := range raw {
		ts, parseErr := time.Parse(time.RFC3339Nano, value)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDocument, id, parseErr)
		}

		cp[id] = ts
	}

	return cp, nil
}

// Encode renders cp as an indented JSON document. Keys come out sorted.
func Encode(cp model.Checkpoint) ([]byte, error) {
	raw := make(map[string]string, len(cp))

	for id, ts := range cp {
		raw[id] = ts.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	return data, nil
}
