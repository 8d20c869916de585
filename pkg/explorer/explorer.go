// Package explorer defines the abstract per-directory filesystem cursor
// the backup controller walks (spec §4.4): enumerate children, open a
// child for reading, stat, and (for the restore path) write a child
// back. pkg/explorer/localfs provides the local-disk implementation.
package explorer

import (
	"context"
	"io"

	"github.com/couling/hashback/pkg/protocol"
)

// Child is one entry yielded by Explorer.IterChildren: its name and the
// Inode describing it. Non-directory entries always have size,
// modified-time, mode, uid, gid populated; Hash is populated only when
// the explorer can infer it cheaply (e.g. a hard-linked duplicate
// already hashed in this run).
type Child struct {
	Name  string
	Inode protocol.Inode
}

// Reader is a file's content as opened by OpenChild: regular files
// yield their bytes, symlinks yield their target path as UTF-8 (the
// link is never followed), and pipes/sockets yield an empty reader.
type Reader = io.ReadCloser

// RestoreToggles controls which metadata attributes RestoreMeta writes
// back, per spec §4.8.
type RestoreToggles struct {
	UID          bool
	GID          bool
	Mode         bool
	ModifiedTime bool
}

// Explorer is an abstract cursor over one directory. A concrete
// implementation (local disk, or a future remote/mounted one) carries
// its own filter sub-tree and reports children already filtered.
type Explorer interface {
	// IterChildren enumerates this directory's children once; the
	// sequence is finite and not restartable.
	IterChildren(ctx context.Context) ([]Child, error)

	// GetChild returns an Explorer over the named subdirectory,
	// carrying the correct filter sub-tree.
	GetChild(name string) (Explorer, error)

	// OpenChild opens name according to its file type: regular files
	// read their bytes; links read their target path as bytes;
	// pipes/sockets read as empty.
	OpenChild(ctx context.Context, name string) (Reader, error)

	// Inode returns the inode describing this directory itself, or a
	// distinguished excluded-directory inode if this root is entirely
	// excluded by filters.
	Inode(ctx context.Context) (protocol.Inode, error)

	// RestoreChild writes a new child of the given type with the given
	// content at name. If clobber is false and something already
	// exists at name, RestoreChild must fail rather than overwrite it;
	// clobbering a directory with a non-directory is always refused
	// (spec §4.8).
	RestoreChild(ctx context.Context, name string, fileType protocol.FileType, content io.Reader, clobber bool) error

	// RestoreMeta applies the metadata attributes selected by toggles
	// to the already-restored child name.
	RestoreMeta(ctx context.Context, name string, inode protocol.Inode, toggles RestoreToggles) error

	// GetPath returns a printable identifier for this directory, or for
	// a named child of it, for logs and diagnostics only -- never
	// parsed by any caller.
	GetPath(child string) string
}

// ExcludedDirectoryInode is the distinguished inode returned by Inode()
// when an entire root is excluded by filters.
func ExcludedDirectoryInode() protocol.Inode {
	return protocol.Inode{Type: protocol.FileDirectory}
}
