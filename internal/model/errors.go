package model

import "errors"

// Sentinel error kinds shared by every pipeline component.
//
// Store and scan failures abort the current run without a checkpoint commit.
// Fetch and transient failures are contained to the object that caused them.
// A permanent rejection aborts the run and needs operator attention.
var (
	// ErrStoreUnavailable means the checkpoint or dedup backing store is
	// unreachable or holds a value that is not well-formed.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrScanUnavailable means the object listing call could not complete.
	ErrScanUnavailable = errors.New("scan unavailable")

	// ErrFetchFailure means a single object could not be read or decoded.
	ErrFetchFailure = errors.New("fetch failure")

	// ErrRejectedPermanently means the ingestion endpoint refused a batch in a
	// way that retrying cannot fix.
	ErrRejectedPermanently = errors.New("rejected permanently")

	// ErrTransientFailure means the ingestion endpoint or network stayed
	// unreachable until the retry budget ran out.
	ErrTransientFailure = errors.New("transient failure")
)
