// Package protocol defines the wire- and storage-level data model shared
// by every client and server implementation of the backup-session
// protocol: inodes, directories, backups, client configuration, and the
// session interfaces they flow through.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
)

// Version is the protocol version stamped into HTTP discovery responses.
// The local database does not record it in any file.
const Version = "1.0"

// ReadSize is the default chunk size used when streaming file content,
// matching the 1 MiB default from the spec's backpressure model.
const ReadSize = 1024 * 1024

// FileType is the closed set of file kinds hashback can store.
type FileType string

const (
	FileRegular        FileType = "f"
	FileDirectory      FileType = "d"
	FileCharacterDevice FileType = "c"
	FileBlockDevice    FileType = "b"
	FileSocket         FileType = "s"
	FilePipe           FileType = "p"
	FileLink           FileType = "l"
)

// HasContent reports whether this file type has bytes stored in the
// object store at all (directories are stored separately; device nodes
// carry metadata only).
func (t FileType) HasContent() bool {
	switch t {
	case FileRegular, FileLink, FilePipe, FileSocket:
		return true
	default:
		return false
	}
}

// Inode describes one filesystem entry: its metadata and, for content
// bearing types, the digest of its content.
type Inode struct {
	ModifiedTime time.Time  `json:"modified_time"`
	Type         FileType   `json:"type"`
	Mode         uint32     `json:"mode"`
	Size         int64      `json:"size"`
	UID          uint32     `json:"uid"`
	GID          uint32     `json:"gid"`
	Hash         *blob.Digest `json:"hash,omitempty"`
}

// Permissions returns the permission bits only (mode & 07777), the Go
// equivalent of stat.S_IMODE used by the restore path's mode toggle.
func (i Inode) Permissions() uint32 {
	return i.Mode & 0o7777
}

// Equal reports whether every field of the two inodes is equal; this is
// the metadata fast-path equality used to skip re-hashing unchanged
// files (spec §3, invariant "metadata fast path").
func (i Inode) Equal(other Inode) bool {
	if !i.ModifiedTime.Equal(other.ModifiedTime) {
		return false
	}
	if i.Type != other.Type || i.Mode != other.Mode || i.Size != other.Size ||
		i.UID != other.UID || i.GID != other.GID {
		return false
	}
	switch {
	case i.Hash == nil && other.Hash == nil:
		return true
	case i.Hash == nil || other.Hash == nil:
		return false
	default:
		return *i.Hash == *other.Hash
	}
}

// Directory is a canonical mapping from file name to Inode. Use
// pkg/dirdef to compute its canonical serialization and digest.
type Directory struct {
	Children map[string]Inode
}

// Backup is the committed manifest of one backup.
type Backup struct {
	ClientID    uuid.UUID        `json:"client_id"`
	ClientName  string           `json:"client_name"`
	BackupDate  time.Time        `json:"backup_date"`
	Started     time.Time        `json:"started"`
	Completed   time.Time        `json:"completed"`
	Description *string          `json:"description,omitempty"`
	Roots       map[string]Inode `json:"roots"`
}

// FilterType is the closed set of filter actions applied to a path.
type FilterType string

const (
	FilterInclude       FilterType = "include"
	FilterExclude       FilterType = "exclude"
	FilterPatternExclude FilterType = "pattern_exclude"
)

// Filter is one ordered rule from a client's backup directory config.
type Filter struct {
	Type FilterType `json:"filter"`
	Path string     `json:"path"`
}

// BackupDirectory is one named root a client is configured to back up.
type BackupDirectory struct {
	BasePath string   `json:"base_path"`
	Filters  []Filter `json:"filters,omitempty"`
}

// Granularity is the truncation unit backup dates are normalised to.
type Granularity string

const (
	GranularityDay  Granularity = "day"
	GranularityHour Granularity = "hour"
)

// Duration returns the truncation unit as a time.Duration.
func (g Granularity) Duration() (time.Duration, error) {
	switch g {
	case GranularityDay, "":
		return 24 * time.Hour, nil
	case GranularityHour:
		return time.Hour, nil
	default:
		return 0, fmt.Errorf("protocol: unknown backup granularity %q", g)
	}
}

// ClientConfiguration is the per-client configuration stored centrally
// on the server and read by clients to discover what to back up.
type ClientConfiguration struct {
	ClientName         string                     `json:"client_name"`
	ClientID           uuid.UUID                  `json:"client_id"`
	BackupGranularity  Granularity                `json:"backup_granularity"`
	BackupDirectories  map[string]BackupDirectory `json:"backup_directories"`
	NamedTimezone      string                     `json:"named_timezone"`
}

// Location resolves the configured named timezone, defaulting to UTC.
func (c ClientConfiguration) Location() (*time.Location, error) {
	if c.NamedTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.NamedTimezone)
	if err != nil {
		return nil, fmt.Errorf("protocol: unknown timezone %q: %w", c.NamedTimezone, err)
	}
	return loc, nil
}

// NormalizeBackupDate truncates backupDate to the client's granularity
// in the client's timezone, then returns the result in UTC.
//
// The reference implementation always truncated in UTC regardless of
// the configured timezone -- a latent bug the spec calls out explicitly
// and asks implementers to fix; this is that fix (see SPEC_FULL.md,
// Open Questions §1).
func (c ClientConfiguration) NormalizeBackupDate(backupDate time.Time) (time.Time, error) {
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	step, err := c.BackupGranularity.Duration()
	if err != nil {
		return time.Time{}, err
	}
	local := backupDate.In(loc)
	var truncated time.Time
	if step == 24*time.Hour {
		truncated = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	} else {
		truncated = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, loc)
	}
	return truncated.UTC(), nil
}

// BackupSessionConfig is the immutable configuration of one in-progress
// backup session.
type BackupSessionConfig struct {
	ClientID       uuid.UUID `json:"client_id"`
	SessionID      uuid.UUID `json:"session_id"`
	BackupDate     time.Time `json:"backup_date"`
	Started        time.Time `json:"started"`
	AllowOverwrite bool      `json:"allow_overwrite"`
	Description    *string   `json:"description,omitempty"`
}

// DirectoryDefResponse is the server's reply to a directory_def call.
type DirectoryDefResponse struct {
	RefHash      *blob.Digest `json:"ref_hash,omitempty"`
	MissingFiles []string     `json:"missing_files,omitempty"`
	MissingRef   *uuid.UUID   `json:"missing_ref,omitempty"`
}

// Success reports whether the directory definition was accepted.
func (r DirectoryDefResponse) Success() bool {
	return len(r.MissingFiles) == 0
}
