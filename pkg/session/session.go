// Package session defines the server-side session contract a backup
// client drives: a ServerSession scoped to one client, and the
// BackupSession it opens for the duration of one backup (spec §4.5,
// §4.6). pkg/session/localsession provides the on-disk implementation;
// pkg/httpserver exposes it over HTTP and pkg/client consumes it from
// the far side of that same HTTP boundary.
package session

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/store"
)

// BackupSummary is the key/description pair list_backups returns: full
// Backup records are fetched individually with GetBackup, since the
// list of completed backups can grow very large (spec §4.5).
type BackupSummary struct {
	BackupDate  time.Time
	Description *string
}

// ServerSession is everything a client can do once authenticated as one
// named client: open and resume backups, and read back completed ones.
type ServerSession interface {
	// ClientConfig is this client's centrally-managed configuration.
	ClientConfig() protocol.ClientConfiguration

	// StartBackup opens a new BackupSession for backupDate, normalised
	// to the client's configured granularity and timezone. If
	// allowOverwrite is false and a completed backup already occupies
	// that date, this returns protocol.DuplicateBackupError.
	StartBackup(ctx context.Context, backupDate time.Time, allowOverwrite bool, description *string) (BackupSession, error)

	// ResumeBackupBySession reattaches to an already-open session by ID.
	ResumeBackupBySession(ctx context.Context, sessionID uuid.UUID) (BackupSession, error)

	// ResumeBackupByDate reattaches to the open session (if any) whose
	// normalised backup date matches.
	ResumeBackupByDate(ctx context.Context, backupDate time.Time) (BackupSession, error)

	// ListBackupSessions returns every currently open session.
	ListBackupSessions(ctx context.Context) ([]protocol.BackupSessionConfig, error)

	// ListBackups returns every completed backup's date and description,
	// most recent first.
	ListBackups(ctx context.Context) ([]BackupSummary, error)

	// GetBackup fetches one completed backup. A nil backupDate fetches
	// the most recent one; returns protocol.NotFoundError if none exists.
	GetBackup(ctx context.Context, backupDate *time.Time) (protocol.Backup, error)

	// GetDirectory resolves a directory inode's content.
	GetDirectory(ctx context.Context, inode protocol.Inode) (protocol.Directory, error)

	// GetFile opens a content-bearing inode's bytes for reading.
	GetFile(ctx context.Context, inode protocol.Inode) (store.SizedReader, error)
}

// BackupSession is the transactional handle returned by StartBackup /
// ResumeBackup*: every object uploaded through it stays invisible to
// every other session until Complete (spec invariant 4, "session
// containment").
type BackupSession interface {
	// Config is this session's immutable configuration.
	Config() protocol.BackupSessionConfig

	// IsOpen reports whether this session is still usable; it becomes
	// false once Complete or Discard has run.
	IsOpen() bool

	// DirectoryDef registers a directory's canonical definition. Every
	// child must already carry a hash. If every child object already
	// exists (in the main pool or this session's staging), the
	// directory is staged and the response carries its RefHash; if any
	// child is missing, the response lists their names together with a
	// fresh MissingRef token identifying this failed attempt, and
	// nothing is staged. A retry of the same directory passes that
	// token back as replaces so the server can tell the retry apart
	// from an unrelated first attempt; a replaces that does not match
	// the directory's own outstanding token fails
	// protocol.InvalidArgumentsError. replaces is nil on a first
	// attempt.
	DirectoryDef(ctx context.Context, definition protocol.Directory, replaces *uuid.UUID) (protocol.DirectoryDefResponse, error)

	// UploadFileContent uploads content (or one sequential chunk of it,
	// when isComplete is false) under resumeID, resuming from byte
	// resumeFrom. On isComplete=true the uploaded bytes are hashed and
	// staged, and the digest is returned; the digest is nil when
	// isComplete is false.
	UploadFileContent(ctx context.Context, resumeID uuid.UUID, resumeFrom int64, isComplete bool, content io.Reader) (*blob.Digest, error)

	// AddRootDir attaches a named backup root to this session. inode
	// must reference an object already staged or committed.
	AddRootDir(ctx context.Context, rootDirName string, inode protocol.Inode) error

	// CheckFileUploadSize reports how many bytes of resumeID's partial
	// upload have been received so far.
	CheckFileUploadSize(ctx context.Context, resumeID uuid.UUID) (int64, error)

	// Complete finalises the backup: every staged object is promoted
	// into the main pool and the Backup manifest becomes visible to
	// every other session. The session is closed afterward.
	Complete(ctx context.Context) (protocol.Backup, error)

	// Discard abandons this session and everything staged under it.
	Discard(ctx context.Context) error
}
