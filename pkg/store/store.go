// Package store defines the content-addressed object store abstraction
// (spec §4.1); its conformance test suite is pkg/store/storagetest. Concrete backends live in
// sibling packages: pkg/store/localdisk (default) and pkg/s3store.
package store

import (
	"context"
	"io"

	"github.com/couling/hashback/pkg/blob"
)

// Kind distinguishes a file blob from a directory blob sharing the same
// digest space, so a digest collision between a file's bytes and a
// directory's canonical bytes can never alias in storage (spec
// invariant 5, "filetype/digest binding").
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

// SizedReader is a reader of known total length, returned by OpenRead so
// callers (HTTP handlers in particular) can set Content-Length without a
// second stat.
type SizedReader interface {
	io.ReadCloser
	Size() int64
}

// Store is the content-addressed blob pool: existence check, streamed
// put, streamed get, plus the staging operations a BackupSession uses to
// keep uncommitted objects invisible until commit (spec invariant 4,
// "session containment").
type Store interface {
	// Exists reports whether key (of the given kind) is already present
	// in the main pool.
	Exists(ctx context.Context, key blob.Digest, kind Kind) (bool, error)

	// Put writes content atomically under key. Concurrent puts of the
	// same key are safe; at most one prevails and later arrivals are
	// no-ops.
	Put(ctx context.Context, key blob.Digest, kind Kind, content io.Reader) error

	// OpenRead opens key for streaming read. Returns (nil, os.ErrNotExist)
	// style errors (checked with errors.Is) if absent.
	OpenRead(ctx context.Context, key blob.Digest, kind Kind) (SizedReader, error)

	// StagePut writes content into session-scoped staging, invisible to
	// Exists/OpenRead (main pool) and to every other session.
	StagePut(ctx context.Context, sessionID string, key blob.Digest, kind Kind, content io.Reader) error

	// StageExists reports whether key is present in this session's
	// staging area (used by directory_def's "already present in the
	// store (main or staging)" check, spec §4.6).
	StageExists(ctx context.Context, sessionID string, key blob.Digest, kind Kind) (bool, error)

	// Promote moves every object staged under sessionID into the main
	// pool, skipping keys that already exist there. Safe against a
	// concurrent session committing the same key.
	Promote(ctx context.Context, sessionID string) error

	// DiscardSession deletes a session's entire staging area.
	DiscardSession(ctx context.Context, sessionID string) error

	// StagePartial returns a handle the session uses for a resumable,
	// chunked file upload (spec §4.6, upload_file_content).
	StagePartial(ctx context.Context, sessionID string, resumeID string) (PartialWriter, error)
}

// PartialWriter is a session-scoped, resumable partial upload target.
// Exactly one PartialWriter is live per resumeID at a time; callers
// serialise calls themselves (spec §5, "ordering").
type PartialWriter interface {
	// Size returns the number of bytes currently written.
	Size(ctx context.Context) (int64, error)

	// WriteAt appends or overwrites starting at offset.
	WriteAt(ctx context.Context, offset int64, content io.Reader) error

	// Finalize computes the digest of everything written from byte 0
	// through the current size, stages it into this session's staging
	// area under that digest (or drops it if the digest already exists
	// in the main pool), and invalidates this resumeID.
	Finalize(ctx context.Context) (blob.Digest, error)

	// Discard deletes the partial upload without finalizing it.
	Discard(ctx context.Context) error
}
