package localsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/dirdef"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/store"
)

// backupSession is the localsession BackupSession implementation,
// grounded on LocalDatabaseBackupSession.
type backupSession struct {
	server *serverSession
	path   string
	config protocol.BackupSessionConfig
	open   bool

	stateMu sync.Mutex
	// pendingMissing tracks, per outstanding failed directory_def
	// attempt, the missing_ref token the client must replay on retry
	// (spec §4.6 step 4).
	pendingMissing map[blob.Digest]uuid.UUID
	// completedUploads remembers every resume_id that has already been
	// finalized, so a reused one fails already_exists (spec §4.6)
	// instead of silently starting a fresh empty upload.
	completedUploads map[uuid.UUID]struct{}
}

var _ session.BackupSession = (*backupSession)(nil)

func newBackupSession(server *serverSession, path string, config protocol.BackupSessionConfig) (*backupSession, error) {
	if err := os.MkdirAll(filepath.Join(path, rootsDir), 0o755); err != nil {
		return nil, err
	}
	return &backupSession{
		server: server, path: path, config: config, open: true,
		pendingMissing:   map[blob.Digest]uuid.UUID{},
		completedUploads: map[uuid.UUID]struct{}{},
	}, nil
}

func loadBackupSession(server *serverSession, path string) (*backupSession, error) {
	var config protocol.BackupSessionConfig
	if err := readJSON(filepath.Join(path, configFile), &config); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no such session", protocol.SessionClosedError)
	} else if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(path, rootsDir), 0o755); err != nil {
		return nil, err
	}
	return &backupSession{
		server: server, path: path, config: config, open: true,
		pendingMissing:   map[blob.Digest]uuid.UUID{},
		completedUploads: map[uuid.UUID]struct{}{},
	}, nil
}

func (b *backupSession) Config() protocol.BackupSessionConfig { return b.config }

func (b *backupSession) IsOpen() bool { return b.open }

func (b *backupSession) storeID() string { return b.config.SessionID.String() }

// objectExists reports whether key is visible either in the main pool
// or in this session's own staging area -- the check directory_def and
// add_root_dir both use to decide whether an object is safe to reference.
func (b *backupSession) objectExists(ctx context.Context, key blob.Digest, kind store.Kind) (bool, error) {
	if ok, err := b.server.db.store.Exists(ctx, key, kind); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	return b.server.db.store.StageExists(ctx, b.storeID(), key, kind)
}

func (b *backupSession) DirectoryDef(ctx context.Context, definition protocol.Directory, replaces *uuid.UUID) (protocol.DirectoryDefResponse, error) {
	if !b.open {
		return protocol.DirectoryDefResponse{}, protocol.SessionClosedError
	}
	for name, child := range definition.Children {
		if child.Hash == nil {
			return protocol.DirectoryDefResponse{}, fmt.Errorf("%w: child %q has no hash value", protocol.InvalidArgumentsError, name)
		}
	}

	digest, content, err := dirdef.Digest(definition)
	if err != nil {
		return protocol.DirectoryDefResponse{}, err
	}
	if err := b.checkReplaces(digest, replaces); err != nil {
		return protocol.DirectoryDefResponse{}, err
	}

	if exists, err := b.objectExists(ctx, digest, store.KindDirectory); err != nil {
		return protocol.DirectoryDefResponse{}, err
	} else if exists {
		// Already present: success, answered with the directory's digest.
		b.clearPendingMissing(digest)
		return protocol.DirectoryDefResponse{RefHash: &digest}, nil
	}

	var missing []string
	for name, inode := range definition.Children {
		kind := store.KindFile
		if inode.Type == protocol.FileDirectory {
			kind = store.KindDirectory
		}
		if ok, err := b.objectExists(ctx, *inode.Hash, kind); err != nil {
			return protocol.DirectoryDefResponse{}, err
		} else if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		missingRef := b.recordPendingMissing(digest)
		return protocol.DirectoryDefResponse{MissingFiles: missing, MissingRef: &missingRef}, nil
	}

	if err := b.server.db.store.StagePut(ctx, b.storeID(), digest, store.KindDirectory, bytes.NewReader(content)); err != nil {
		return protocol.DirectoryDefResponse{}, err
	}
	b.clearPendingMissing(digest)
	return protocol.DirectoryDefResponse{RefHash: &digest}, nil
}

// checkReplaces verifies that a retry naming replaces actually pairs
// with this exact directory's most recent missing_files response. A
// nil replaces is always accepted -- it names a first attempt, not a
// retry. This is the client/server disagreement check backup_algorithm.py's
// second directory_def call relies on being meaningful: a mismatched
// token means the server's view of what failed has moved on from what
// the client thinks it is replacing.
func (b *backupSession) checkReplaces(digest blob.Digest, replaces *uuid.UUID) error {
	if replaces == nil {
		return nil
	}
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	pending, ok := b.pendingMissing[digest]
	if !ok || pending != *replaces {
		return fmt.Errorf("%w: replaces %s does not match an outstanding missing-files response for this directory", protocol.InvalidArgumentsError, *replaces)
	}
	return nil
}

// recordPendingMissing issues a fresh missing_ref for digest's failed
// attempt, overwriting any token already outstanding for it.
func (b *backupSession) recordPendingMissing(digest blob.Digest) uuid.UUID {
	ref := uuid.New()
	b.stateMu.Lock()
	b.pendingMissing[digest] = ref
	b.stateMu.Unlock()
	return ref
}

func (b *backupSession) clearPendingMissing(digest blob.Digest) {
	b.stateMu.Lock()
	delete(b.pendingMissing, digest)
	b.stateMu.Unlock()
}

func (b *backupSession) UploadFileContent(ctx context.Context, resumeID uuid.UUID, resumeFrom int64, isComplete bool, content io.Reader) (*blob.Digest, error) {
	if !b.open {
		return nil, protocol.SessionClosedError
	}
	b.stateMu.Lock()
	_, alreadyDone := b.completedUploads[resumeID]
	b.stateMu.Unlock()
	if alreadyDone {
		return nil, fmt.Errorf("%w: resume id %s was already completed", protocol.AlreadyExistsError, resumeID)
	}

	writer, err := b.server.db.store.StagePartial(ctx, b.storeID(), resumeID.String())
	if err != nil {
		return nil, err
	}
	if err := writer.WriteAt(ctx, resumeFrom, content); err != nil {
		return nil, err
	}
	if !isComplete {
		return nil, nil
	}
	digest, err := writer.Finalize(ctx)
	if err != nil {
		return nil, err
	}
	b.stateMu.Lock()
	b.completedUploads[resumeID] = struct{}{}
	b.stateMu.Unlock()
	return &digest, nil
}

func (b *backupSession) AddRootDir(ctx context.Context, rootDirName string, inode protocol.Inode) error {
	if !b.open {
		return protocol.SessionClosedError
	}
	if inode.Hash != nil {
		kind := store.KindFile
		if inode.Type == protocol.FileDirectory {
			kind = store.KindDirectory
		}
		if ok, err := b.objectExists(ctx, *inode.Hash, kind); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: cannot add root %q: object %s does not exist", protocol.InvalidArgumentsError, rootDirName, inode.Hash)
		}
	}
	path := filepath.Join(b.path, rootsDir, rootDirName+".json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: root %q already added", protocol.AlreadyExistsError, rootDirName)
	}
	return writeJSON(path, inode)
}

func (b *backupSession) CheckFileUploadSize(ctx context.Context, resumeID uuid.UUID) (int64, error) {
	if !b.open {
		return 0, protocol.SessionClosedError
	}
	writer, err := b.server.db.store.StagePartial(ctx, b.storeID(), resumeID.String())
	if err != nil {
		return 0, err
	}
	size, err := writer.Size(ctx)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: no partial upload for resume id %s", protocol.NotFoundError, resumeID)
	}
	return size, err
}

func (b *backupSession) Complete(ctx context.Context) (protocol.Backup, error) {
	if !b.open {
		return protocol.Backup{}, protocol.SessionClosedError
	}
	if err := b.server.db.store.Promote(ctx, b.storeID()); err != nil {
		return protocol.Backup{}, err
	}

	entries, err := os.ReadDir(filepath.Join(b.path, rootsDir))
	if err != nil {
		return protocol.Backup{}, err
	}
	roots := make(map[string]protocol.Inode, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		var inode protocol.Inode
		if err := readJSON(filepath.Join(b.path, rootsDir, name), &inode); err != nil {
			return protocol.Backup{}, err
		}
		roots[trimJSON(name)] = inode
	}
	if len(roots) == 0 {
		return protocol.Backup{}, fmt.Errorf("%w: backup has no root directories", protocol.InvalidArgumentsError)
	}

	backup := protocol.Backup{
		ClientID:    b.server.config.ClientID,
		ClientName:  b.server.config.ClientName,
		BackupDate:  b.config.BackupDate,
		Started:     b.config.Started,
		Completed:   time.Now().UTC(),
		Description: b.config.Description,
		Roots:       roots,
	}

	backupPath := b.server.backupPath(b.config.BackupDate)
	if err := os.MkdirAll(filepath.Dir(backupPath), 0o755); err != nil {
		return protocol.Backup{}, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !b.config.AllowOverwrite {
		flags |= os.O_EXCL
	}
	data, err := json.MarshalIndent(backup, "", "  ")
	if err != nil {
		return protocol.Backup{}, err
	}
	f, err := os.OpenFile(backupPath, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return protocol.Backup{}, fmt.Errorf("%w: backup already exists for %s", protocol.DuplicateBackupError, b.config.BackupDate)
		}
		return protocol.Backup{}, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return protocol.Backup{}, err
	}
	if err := f.Close(); err != nil {
		return protocol.Backup{}, err
	}

	if err := b.cleanup(ctx); err != nil {
		return protocol.Backup{}, err
	}
	return backup, nil
}

func (b *backupSession) Discard(ctx context.Context) error {
	if !b.open {
		return protocol.SessionClosedError
	}
	return b.cleanup(ctx)
}

// cleanup tears down both halves of a session's state: the store's
// internal staging area and this package's own metadata directory
// (config, roots) -- mirroring LocalDatabaseBackupSession.discard's
// single shutil.rmtree, split in two because object staging and
// session metadata live under separate roots here.
func (b *backupSession) cleanup(ctx context.Context) error {
	if err := b.server.db.store.DiscardSession(ctx, b.storeID()); err != nil {
		return err
	}
	if err := os.RemoveAll(b.path); err != nil {
		return err
	}
	b.open = false
	return nil
}

func trimJSON(name string) string {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
