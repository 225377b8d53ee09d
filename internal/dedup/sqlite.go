package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
)

// Defaults matching the legacy table layout.
const (
	DefaultTable     = "ProcessedEntries"
	DefaultPartition = "EntryHashes"
)

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid dedup table name")

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
}

// SQLiteOptions configures OpenSQLite.
type SQLiteOptions struct {
	// Table is the table name. Empty selects DefaultTable.
	Table string
	// Partition is the fixed partition key of every row. Empty selects
	// DefaultPartition.
	Partition string
	// Logger receives lookup failures. Nil selects slog.Default().
	Logger *slog.Logger
}

// SQLiteIndex stores one row per fingerprint, keyed by a fixed partition
// value plus the fingerprint.
type SQLiteIndex struct {
	db        *sql.DB
	table     string
	partition string
	logger    *slog.Logger

	containsQuery string
	recordQuery   string
	pruneQuery    string
	countQuery    string
}

// OpenSQLite opens (creating if needed) the dedup table in the database at
// path.
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteIndex, error) {
	table := opts.Table
	if table == "" {
		table = DefaultTable
	}

	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	partition := opts.Partition
	if partition == "" {
		partition = DefaultPartition
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open dedup db %s: %w", model.ErrStoreUnavailable, path, err)
	}

	// A single connection keeps the pragmas in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, p := range pragmas {
		_, err = db.ExecContext(ctx, p)
		if err != nil {
			closeErr := db.Close()

			return nil, fmt.Errorf("%w: %s: %w", model.ErrStoreUnavailable, p, errors.Join(err, closeErr))
		}
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	partition_key TEXT NOT NULL,
	row_key TEXT NOT NULL,
	first_seen_utc_ns INTEGER NOT NULL,
	PRIMARY KEY (partition_key, row_key)
);
CREATE INDEX IF NOT EXISTS %[1]s_first_seen ON %[1]s (partition_key, first_seen_utc_ns);
`, table)

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		closeErr := db.Close()

		return nil, fmt.Errorf("%w: create dedup table: %w", model.ErrStoreUnavailable, errors.Join(err, closeErr))
	}

	return &SQLiteIndex{
		db:        db,
		table:     table,
		partition: partition,
		logger:    logger,

		containsQuery: fmt.Sprintf(`SELECT 1 FROM %s WHERE partition_key = ? AND row_key = ?`, table),
		recordQuery: fmt.Sprintf(`INSERT INTO %s (partition_key, row_key, first_seen_utc_ns) VALUES (?, ?, ?)
ON CONFLICT (partition_key, row_key) DO NOTHING`, table),
		pruneQuery: fmt.Sprintf(`DELETE FROM %s WHERE partition_key = ? AND first_seen_utc_ns < ?`, table),
		countQuery: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE partition_key = ?`, table),
	}, nil
}

// Table returns the table name.
func (s *SQLiteIndex) Table() string {
	return s.table
}

// Contains implements Index.
func (s *SQLiteIndex) Contains(ctx context.Context, fp string) bool {
	var one int

	err := s.db.QueryRowContext(ctx, s.containsQuery, s.partition, fp).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}

	if err != nil {
		s.logger.WarnContext(ctx, "dedup lookup failed, treating entry as new",
			"fingerprint", fp, "error", err)

		return false
	}

	return true
}

// Record implements Index. An existing row keeps its original first-seen time.
func (s *SQLiteIndex) Record(ctx context.Context, fp string, firstSeen time.Time) error {
	_, err := s.db.ExecContext(ctx, s.recordQuery, s.partition, fp, firstSeen.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: record fingerprint: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// Prune deletes fingerprints first seen before cutoff and returns the number
// of rows removed.
func (s *SQLiteIndex) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.pruneQuery, s.partition, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune dedup table: %w", model.ErrStoreUnavailable, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune dedup table: %w", model.ErrStoreUnavailable, err)
	}

	return n, nil
}

// Count returns the number of fingerprints in the partition.
func (s *SQLiteIndex) Count(ctx context.Context) (int64, error) {
	var n int64

	err := s.db.QueryRowContext(ctx, s.countQuery, s.partition).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count dedup table: %w", model.ErrStoreUnavailable, err)
	}

	return n, nil
}

// Ping verifies the database is reachable.
func (s *SQLiteIndex) Ping(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: ping dedup db: %w", model.ErrStoreUnavailable, err)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLiteIndex) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("close dedup db: %w", err)
	}

	return nil
}
