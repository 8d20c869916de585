// Package localsession implements pkg/session on top of a directory
// tree of JSON metadata files plus a pkg/store.Store for content,
// grounded on local_database.py's LocalDatabase / LocalDatabaseServerSession
// / LocalDatabaseBackupSession trio, reproducing its
// "<base>/client/<name>" symlink to "<base>/client/<client_id>/..."
// layout bit-for-bit.
package localsession

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/dirdef"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/store"
)

const configFile = "config.json"

const (
	clientsDir  = "client"
	backupsDir  = "backup"
	sessionsDir = "sessions"
	rootsDir    = "roots"
)

// timestampFormat names a completed backup's file on disk; sorting the
// directory listing lexically sorts it chronologically.
const timestampFormat = "2006-01-02_15:04:05.000000"

// Database is the metadata root: one directory per client, each holding
// its configuration, completed backups, and open sessions.
type Database struct {
	root  string
	store store.Store
}

// Open attaches to an existing metadata root.
func Open(root string, blobStore store.Store) (*Database, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("localsession: metadata root %q: %w", root, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("localsession: metadata root %q is not a directory", root)
	}
	return &Database{root: root, store: blobStore}, nil
}

// Init creates a fresh metadata root's required sub-directories.
func Init(root string) error {
	return os.MkdirAll(filepath.Join(root, clientsDir), 0o755)
}

func (d *Database) clientIDPath(id uuid.UUID) string {
	return filepath.Join(d.root, clientsDir, id.String())
}

func (d *Database) clientNamePath(name string) string {
	return filepath.Join(d.root, clientsDir, name)
}

// resolveClientPath follows the "<base>/client/<name>" symlink (spec
// §6) to the client's real, UUID-named directory. If clientIDOrName
// already names a directory directly (no symlink), it's used as-is --
// this lets callers address a client by raw ID too.
func (d *Database) resolveClientPath(clientIDOrName string) (string, error) {
	link := d.clientNamePath(clientIDOrName)
	target, err := os.Readlink(link)
	if err == nil {
		if filepath.IsAbs(target) {
			return target, nil
		}
		return filepath.Join(d.root, clientsDir, target), nil
	}
	return link, nil
}

// CreateClient registers a new client and returns a session for it,
// creating the "<base>/client/<client_id>" directory and the
// "<base>/client/<client_name>" symlink pointing at it.
func (d *Database) CreateClient(ctx context.Context, config protocol.ClientConfiguration) (session.ServerSession, error) {
	if err := os.MkdirAll(filepath.Join(d.root, clientsDir), 0o755); err != nil {
		return nil, err
	}
	namePath := d.clientNamePath(config.ClientName)
	if _, err := os.Lstat(namePath); err == nil {
		return nil, fmt.Errorf("%w: client %q already exists", protocol.AlreadyExistsError, config.ClientName)
	}
	path := d.clientIDPath(config.ClientID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	if err := os.Symlink(config.ClientID.String(), namePath); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(path, configFile), data, 0o644); err != nil {
		return nil, err
	}
	return newServerSession(d, path, config), nil
}

// OpenClientSession loads an existing client by name or ID and returns
// a session for it.
func (d *Database) OpenClientSession(ctx context.Context, clientIDOrName string) (session.ServerSession, error) {
	path, err := d.resolveClientPath(clientIDOrName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.InternalError, err)
	}
	data, err := os.ReadFile(filepath.Join(path, configFile))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no such client %q", protocol.NotFoundError, clientIDOrName)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.InternalError, err)
	}
	var config protocol.ClientConfiguration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.InternalError, err)
	}
	return newServerSession(d, path, config), nil
}

// ListClients returns every registered client's friendly name (the
// symlinks under "<base>/client", not the UUID directories themselves).
func (d *Database) ListClients(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, clientsDir))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// serverSession is the localsession ServerSession implementation.
type serverSession struct {
	db     *Database
	path   string
	config protocol.ClientConfiguration
}

func newServerSession(db *Database, path string, config protocol.ClientConfiguration) *serverSession {
	return &serverSession{db: db, path: path, config: config}
}

var _ session.ServerSession = (*serverSession)(nil)

func (s *serverSession) ClientConfig() protocol.ClientConfiguration { return s.config }

func (s *serverSession) backupPath(backupDate time.Time) string {
	return filepath.Join(s.path, backupsDir, backupDate.UTC().Format(timestampFormat)+".json")
}

func (s *serverSession) sessionPath(sessionID uuid.UUID) string {
	return filepath.Join(s.path, sessionsDir, sessionID.String())
}

func (s *serverSession) StartBackup(ctx context.Context, backupDate time.Time, allowOverwrite bool, description *string) (session.BackupSession, error) {
	normalized, err := s.config.NormalizeBackupDate(backupDate)
	if err != nil {
		return nil, err
	}
	if !allowOverwrite {
		if _, err := os.Stat(s.backupPath(normalized)); err == nil {
			return nil, fmt.Errorf("%w: backup already exists for %s", protocol.DuplicateBackupError, normalized)
		}
	}
	sessionID := uuid.New()
	sessionPath := s.sessionPath(sessionID)
	if err := os.MkdirAll(sessionPath, 0o755); err != nil {
		return nil, err
	}
	sessionConfig := protocol.BackupSessionConfig{
		ClientID:       s.config.ClientID,
		SessionID:      sessionID,
		BackupDate:     normalized,
		Started:        time.Now().UTC(),
		AllowOverwrite: allowOverwrite,
		Description:    description,
	}
	if err := writeJSON(filepath.Join(sessionPath, configFile), sessionConfig); err != nil {
		return nil, err
	}
	return newBackupSession(s, sessionPath, sessionConfig)
}

func (s *serverSession) ResumeBackupBySession(ctx context.Context, sessionID uuid.UUID) (session.BackupSession, error) {
	return loadBackupSession(s, s.sessionPath(sessionID))
}

func (s *serverSession) ResumeBackupByDate(ctx context.Context, backupDate time.Time) (session.BackupSession, error) {
	normalized, err := s.config.NormalizeBackupDate(backupDate)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.path, sessionsDir))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no open session for %s", protocol.NotFoundError, normalized)
	}
	if err != nil {
		return nil, err
	}
	// Linear scan: the reference implementation accepts this cost since
	// the number of concurrently open sessions for one client is small.
	for _, entry := range entries {
		bs, err := loadBackupSession(s, filepath.Join(s.path, sessionsDir, entry.Name()))
		if err != nil {
			continue
		}
		if bs.config.BackupDate.Equal(normalized) {
			return bs, nil
		}
	}
	return nil, fmt.Errorf("%w: no open session for %s", protocol.NotFoundError, normalized)
}

func (s *serverSession) ListBackupSessions(ctx context.Context) ([]protocol.BackupSessionConfig, error) {
	entries, err := os.ReadDir(filepath.Join(s.path, sessionsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	results := make([]protocol.BackupSessionConfig, 0, len(entries))
	for _, entry := range entries {
		var cfg protocol.BackupSessionConfig
		if err := readJSON(filepath.Join(s.path, sessionsDir, entry.Name(), configFile), &cfg); err != nil {
			continue
		}
		results = append(results, cfg)
	}
	return results, nil
}

func (s *serverSession) ListBackups(ctx context.Context) ([]session.BackupSummary, error) {
	entries, err := os.ReadDir(filepath.Join(s.path, backupsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	results := make([]session.BackupSummary, 0, len(names))
	for _, name := range names {
		var backup protocol.Backup
		if err := readJSON(filepath.Join(s.path, backupsDir, name), &backup); err != nil {
			continue
		}
		results = append(results, session.BackupSummary{BackupDate: backup.BackupDate, Description: backup.Description})
	}
	return results, nil
}

func (s *serverSession) GetBackup(ctx context.Context, backupDate *time.Time) (protocol.Backup, error) {
	var path string
	if backupDate == nil {
		entries, err := os.ReadDir(filepath.Join(s.path, backupsDir))
		if err != nil || len(entries) == 0 {
			return protocol.Backup{}, fmt.Errorf("%w: no backups for client %q", protocol.NotFoundError, s.config.ClientName)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		path = filepath.Join(s.path, backupsDir, names[len(names)-1])
	} else {
		normalized, err := s.config.NormalizeBackupDate(*backupDate)
		if err != nil {
			return protocol.Backup{}, err
		}
		path = s.backupPath(normalized)
	}
	var backup protocol.Backup
	if err := readJSON(path, &backup); os.IsNotExist(err) {
		return protocol.Backup{}, fmt.Errorf("%w: backup not found", protocol.NotFoundError)
	} else if err != nil {
		return protocol.Backup{}, err
	}
	return backup, nil
}

func (s *serverSession) GetDirectory(ctx context.Context, inode protocol.Inode) (protocol.Directory, error) {
	if inode.Type != protocol.FileDirectory {
		return protocol.Directory{}, fmt.Errorf("%w: cannot open file type %q as a directory", protocol.InvalidArgumentsError, inode.Type)
	}
	if inode.Hash == nil {
		return protocol.Directory{}, fmt.Errorf("%w: directory inode has no hash", protocol.InvalidArgumentsError)
	}
	r, err := s.db.store.OpenRead(ctx, *inode.Hash, store.KindDirectory)
	if err != nil {
		return protocol.Directory{}, err
	}
	defer r.Close()
	content, err := io.ReadAll(r)
	if err != nil {
		return protocol.Directory{}, err
	}
	return dirdef.Parse(content)
}

func (s *serverSession) GetFile(ctx context.Context, inode protocol.Inode) (store.SizedReader, error) {
	if !inode.Type.HasContent() {
		return nil, fmt.Errorf("%w: cannot read file type %q", protocol.InvalidArgumentsError, inode.Type)
	}
	if inode.Hash == nil {
		return nil, fmt.Errorf("%w: file inode has no hash", protocol.InvalidArgumentsError)
	}
	return s.db.store.OpenRead(ctx, *inode.Hash, store.KindFile)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

