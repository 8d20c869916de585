// Package backupctl implements the client-side backup driver: it walks
// each configured root through a pkg/explorer.Explorer, negotiates
// directory and file uploads with a pkg/session.BackupSession, and
// bounds its own concurrency with pkg/syncutil, grounded on
// backup_algorithm.py's BackupController.
package backupctl

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/dirdef"
	"github.com/couling/hashback/pkg/explorer"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/syncutil"
)

// ExplorerFactory builds the Explorer rooted at one configured backup
// directory.
type ExplorerFactory func(dir protocol.BackupDirectory) (explorer.Explorer, error)

// Controller drives one backup session to completion. ReadLastBackup
// and MatchMetaOnly default false on the zero value; use NewController
// for the spec's documented defaults (both "on").
type Controller struct {
	Server  session.ServerSession
	Session session.BackupSession
	Explore ExplorerFactory

	// ReadLastBackup enables the metadata fast-path: the previous
	// backup's directory contents are fetched and compared before
	// falling back to hashing (spec §4.7).
	ReadLastBackup bool

	// MatchMetaOnly inherits a child's hash from the previous backup
	// when every other metadata field is unchanged, instead of
	// re-hashing its content.
	MatchMetaOnly bool

	// FullPrescan switches a directory's recursion from leaf-first
	// (children are committed to the session as each subtree finishes)
	// to a two-pass walk: the whole subtree is scanned and hashed into
	// a ScanResult first, with no session contact at all, then staged
	// root-down in a second pass. This trades memory (the entire
	// subtree's definitions live in memory at once) for fewer
	// directory_def round trips on wide, shallow trees (spec §4.7).
	FullPrescan bool

	// Semaphore bounds concurrent open files / in-flight hashes across
	// the whole backup (spec §5, default capacity 10, LIFO).
	Semaphore syncutil.Semaphore

	Logger *log.Logger
}

// NewController returns a Controller configured with the spec's
// defaults: read-last-backup and match-meta-only both on, a
// capacity-10 LIFO semaphore.
func NewController(server session.ServerSession, backupSession session.BackupSession, explore ExplorerFactory) *Controller {
	return &Controller{
		Server:         server,
		Session:        backupSession,
		Explore:        explore,
		ReadLastBackup: true,
		MatchMetaOnly:  true,
		Semaphore:      syncutil.New(10, syncutil.LIFO),
		Logger:         log.Default(),
	}
}

// ScanResult holds one directory's canonical definition together with
// its children's ScanResults, recursively, for the duration between a
// FullPrescan walk and the second pass that stages it. Only
// subdirectory entries carry a non-nil ScanResult; a plain file's
// hash already lives in Definition.Children.
type ScanResult struct {
	Definition protocol.Directory
	Children   map[string]*ScanResult
}

// BackupAll scans every configured root directory and adds it to the
// session. Roots are processed one at a time -- backup_algorithm.py
// deliberately does not gather() the top-level roots, to keep failures
// attributable to one root at a time; concurrency happens inside each
// root's tree walk.
func (c *Controller) BackupAll(ctx context.Context, roots map[string]protocol.BackupDirectory) error {
	var lastBackupRoots map[string]protocol.Inode
	if c.ReadLastBackup {
		backup, err := c.Server.GetBackup(ctx, nil)
		if err != nil {
			c.Logger.Printf("warning: no previous backup found, this scan will be slow-safe not fast-unsafe: %v", err)
			lastBackupRoots = map[string]protocol.Inode{}
		} else {
			lastBackupRoots = backup.Roots
			c.Logger.Printf("info: comparing metadata to last backup, existing files will not be re-hashed")
		}
	}

	for name, dir := range roots {
		var last *protocol.Inode
		if inode, ok := lastBackupRoots[name]; ok {
			last = &inode
		} else if c.ReadLastBackup {
			c.Logger.Printf("warning: directory %q not present in the last backup", name)
		}
		if err := c.BackupRoot(ctx, name, dir, last); err != nil {
			return fmt.Errorf("backupctl: root %q: %w", name, err)
		}
	}
	return nil
}

// BackupRoot backs up one named root directory and attaches it to the
// session.
func (c *Controller) BackupRoot(ctx context.Context, rootName string, dir protocol.BackupDirectory, lastBackup *protocol.Inode) error {
	c.Logger.Printf("info: backing up %q (%s)", rootName, dir.BasePath)
	root, err := c.Explore(dir)
	if err != nil {
		return err
	}
	hash, err := c.backupDirectory(ctx, root, lastBackup)
	if err != nil {
		return err
	}
	inode, err := root.Inode(ctx)
	if err != nil {
		return err
	}
	inode.Hash = &hash
	return c.Session.AddRootDir(ctx, rootName, inode)
}

// backupDirectory walks one directory, returning its ref-hash. If the
// recomputed definition is bit-identical to the previous backup's, it
// short-circuits without contacting the session at all.
func (c *Controller) backupDirectory(ctx context.Context, dir explorer.Explorer, lastBackup *protocol.Inode) (blob.Digest, error) {
	if c.FullPrescan {
		result, err := c.prescanDirectory(ctx, dir, lastBackup)
		if err != nil {
			return blob.Digest{}, err
		}
		digest, _, err := dirdef.Digest(result.Definition)
		if err != nil {
			return blob.Digest{}, err
		}
		if lastBackup != nil && lastBackup.Hash != nil && *lastBackup.Hash == digest {
			c.Logger.Printf("debug: %s directory unchanged, skipping upload", dir.GetPath(""))
			return digest, nil
		}
		return c.uploadPrescanned(ctx, dir, result)
	}

	children, err := c.scanDirectory(ctx, dir, lastBackup)
	if err != nil {
		return blob.Digest{}, err
	}
	definition := protocol.Directory{Children: children}
	digest, _, err := dirdef.Digest(definition)
	if err != nil {
		return blob.Digest{}, err
	}
	if lastBackup != nil && lastBackup.Hash != nil && *lastBackup.Hash == digest {
		c.Logger.Printf("debug: %s directory unchanged, skipping upload", dir.GetPath(""))
		return digest, nil
	}
	return c.uploadDirectory(ctx, dir, definition)
}

// scanDirectory resolves every child's hash (recursing for
// sub-directories), running siblings concurrently under the shared
// semaphore with gather-all-or-nothing semantics.
func (c *Controller) scanDirectory(ctx context.Context, dir explorer.Explorer, lastBackup *protocol.Inode) (map[string]protocol.Inode, error) {
	var lastBackupChildren map[string]protocol.Inode
	if c.ReadLastBackup && lastBackup != nil {
		lastDir, err := c.Server.GetDirectory(ctx, *lastBackup)
		if err != nil {
			return nil, err
		}
		lastBackupChildren = lastDir.Children
	}

	entries, err := dir.IterChildren(ctx)
	if err != nil {
		return nil, err
	}

	children := make(map[string]protocol.Inode, len(entries))
	var mu sync.Mutex
	tasks := make([]func(ctx context.Context) error, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		var lastChild *protocol.Inode
		if inode, ok := lastBackupChildren[entry.Name]; ok {
			lastChild = &inode
		}
		tasks = append(tasks, func(ctx context.Context) error {
			resolved, err := c.resolveChild(ctx, dir, entry, lastChild)
			if err != nil {
				return err
			}
			mu.Lock()
			children[entry.Name] = resolved
			mu.Unlock()
			return nil
		})
	}
	if err := syncutil.GatherAllOrNothing(ctx, tasks...); err != nil {
		return nil, err
	}
	return children, nil
}

// prescanDirectory is the FullPrescan counterpart of scanDirectory: it
// resolves every descendant's definition and hash recursively without
// ever contacting the session, so the whole subtree can be staged
// root-down afterward by uploadPrescanned. A subdirectory's hash is its
// locally recomputed digest, not a server-confirmed ref_hash -- nothing
// has been staged yet.
func (c *Controller) prescanDirectory(ctx context.Context, dir explorer.Explorer, lastBackup *protocol.Inode) (*ScanResult, error) {
	var lastBackupChildren map[string]protocol.Inode
	if c.ReadLastBackup && lastBackup != nil {
		lastDir, err := c.Server.GetDirectory(ctx, *lastBackup)
		if err != nil {
			return nil, err
		}
		lastBackupChildren = lastDir.Children
	}

	entries, err := dir.IterChildren(ctx)
	if err != nil {
		return nil, err
	}

	definition := protocol.Directory{Children: make(map[string]protocol.Inode, len(entries))}
	childResults := make(map[string]*ScanResult)
	var mu sync.Mutex
	tasks := make([]func(ctx context.Context) error, 0, len(entries))
	for _, entry := range entries {
		entry := entry
		var lastChild *protocol.Inode
		if inode, ok := lastBackupChildren[entry.Name]; ok {
			lastChild = &inode
		}
		tasks = append(tasks, func(ctx context.Context) error {
			if entry.Inode.Type != protocol.FileDirectory {
				resolved, err := c.resolveChild(ctx, dir, entry, lastChild)
				if err != nil {
					return err
				}
				mu.Lock()
				definition.Children[entry.Name] = resolved
				mu.Unlock()
				return nil
			}

			if err := c.Semaphore.Acquire(ctx); err != nil {
				return err
			}
			child, err := dir.GetChild(entry.Name)
			c.Semaphore.Release()
			if err != nil {
				return err
			}
			result, err := c.prescanDirectory(ctx, child, lastChild)
			if err != nil {
				return err
			}
			digest, _, err := dirdef.Digest(result.Definition)
			if err != nil {
				return err
			}
			inode := entry.Inode
			inode.Hash = &digest
			mu.Lock()
			definition.Children[entry.Name] = inode
			childResults[entry.Name] = result
			mu.Unlock()
			return nil
		})
	}
	if err := syncutil.GatherAllOrNothing(ctx, tasks...); err != nil {
		return nil, err
	}
	return &ScanResult{Definition: definition, Children: childResults}, nil
}

// resolveChild fills in one child's hash: recursing for a directory,
// inheriting from the last backup when metadata matches, or hashing
// its content as a last resort.
func (c *Controller) resolveChild(ctx context.Context, dir explorer.Explorer, entry explorer.Child, lastChild *protocol.Inode) (protocol.Inode, error) {
	inode := entry.Inode
	if inode.Type == protocol.FileDirectory {
		if err := c.Semaphore.Acquire(ctx); err != nil {
			return protocol.Inode{}, err
		}
		child, err := dir.GetChild(entry.Name)
		c.Semaphore.Release()
		if err != nil {
			return protocol.Inode{}, err
		}
		hash, err := c.backupDirectory(ctx, child, lastChild)
		if err != nil {
			return protocol.Inode{}, err
		}
		inode.Hash = &hash
		return inode, nil
	}

	if inode.Hash == nil && c.MatchMetaOnly && lastChild != nil {
		candidate := inode
		candidate.Hash = lastChild.Hash
		if candidate.Equal(*lastChild) {
			inode.Hash = lastChild.Hash
		}
	}

	if inode.Hash == nil {
		if err := c.Semaphore.Acquire(ctx); err != nil {
			return protocol.Inode{}, err
		}
		defer c.Semaphore.Release()
		reader, err := dir.OpenChild(ctx, entry.Name)
		if err != nil {
			return protocol.Inode{}, err
		}
		digest, err := blob.OfReader(reader)
		reader.Close()
		if err != nil {
			return protocol.Inode{}, err
		}
		inode.Hash = &digest
	}
	return inode, nil
}

// uploadDirectory registers definition with the session (leaf-first
// mode: every missing entry is a plain file, since any subdirectory
// was already committed by the time its parent is reached).
func (c *Controller) uploadDirectory(ctx context.Context, dir explorer.Explorer, definition protocol.Directory) (blob.Digest, error) {
	return c.negotiateDirectory(ctx, dir, definition, func(ctx context.Context, name string, mu *sync.Mutex) error {
		return c.uploadFile(ctx, dir, definition, name, mu)
	})
}

// uploadPrescanned registers result root-down (FullPrescan mode): a
// missing entry may itself be an unstaged subdirectory, since nothing
// in result's subtree has touched the session yet.
func (c *Controller) uploadPrescanned(ctx context.Context, dir explorer.Explorer, result *ScanResult) (blob.Digest, error) {
	return c.negotiateDirectory(ctx, dir, result.Definition, func(ctx context.Context, name string, mu *sync.Mutex) error {
		if child, ok := result.Children[name]; ok {
			childDir, err := dir.GetChild(name)
			if err != nil {
				return err
			}
			_, err = c.uploadPrescanned(ctx, childDir, child)
			return err
		}
		return c.uploadFile(ctx, dir, result.Definition, name, mu)
	})
}

// negotiateDirectory runs the directory_def / missing_files / retry
// handshake shared by both scan modes: definition is submitted, every
// name the server reports missing is staged via uploadMissing, and the
// attempt is retried once with replaces naming the first attempt's
// missing_ref. A second missing_files response means the tree changed
// under us in a way that cannot be reconciled (backup_algorithm.py
// raises the same way on its own retry).
func (c *Controller) negotiateDirectory(ctx context.Context, dir explorer.Explorer, definition protocol.Directory, uploadMissing func(ctx context.Context, name string, mu *sync.Mutex) error) (blob.Digest, error) {
	response, err := c.Session.DirectoryDef(ctx, definition, nil)
	if err != nil {
		return blob.Digest{}, err
	}
	if !response.Success() {
		c.Logger.Printf("debug: %d missing entries in %s", len(response.MissingFiles), dir.GetPath(""))
		tasks := make([]func(ctx context.Context) error, len(response.MissingFiles))
		var mu sync.Mutex
		for i, name := range response.MissingFiles {
			name := name
			tasks[i] = func(ctx context.Context) error {
				return uploadMissing(ctx, name, &mu)
			}
		}
		if err := syncutil.GatherAllOrNothing(ctx, tasks...); err != nil {
			return blob.Digest{}, err
		}
		// Some servers place a marker on the session preventing it from
		// completing until this failed attempt has been replaced.
		response, err = c.Session.DirectoryDef(ctx, definition, response.MissingRef)
		if err != nil {
			return blob.Digest{}, err
		}
		if !response.Success() {
			return blob.Digest{}, fmt.Errorf("%w: files disappeared server-side mid-backup: %v", protocol.ProtocolError, response.MissingFiles)
		}
	}
	if response.RefHash == nil {
		digest, _, err := dirdef.Digest(definition)
		return digest, err
	}
	c.Logger.Printf("debug: server accepted directory %s as %s", dir.GetPath(""), response.RefHash.String())
	return *response.RefHash, nil
}

// uploadFile streams one missing child's content to the session.
// Content that vanished between stat and upload is dropped from
// definition rather than failing the whole backup, matching
// backup_algorithm.py's tolerance for files that disappear mid-scan.
func (c *Controller) uploadFile(ctx context.Context, dir explorer.Explorer, definition protocol.Directory, childName string, mu *sync.Mutex) error {
	if err := c.Semaphore.Acquire(ctx); err != nil {
		return err
	}
	defer c.Semaphore.Release()

	path := dir.GetPath(childName)
	c.Logger.Printf("info: uploading %s", path)
	reader, err := dir.OpenChild(ctx, childName)
	if err != nil {
		c.Logger.Printf("error: file disappeared before it could be uploaded: %s", path)
		mu.Lock()
		delete(definition.Children, childName)
		mu.Unlock()
		return nil
	}
	defer reader.Close()

	digest, err := c.Session.UploadFileContent(ctx, uuid.New(), 0, true, reader)
	if err != nil {
		c.Logger.Printf("error: cannot upload %s: %v", path, err)
		mu.Lock()
		delete(definition.Children, childName)
		mu.Unlock()
		return nil
	}

	mu.Lock()
	defer mu.Unlock()
	if existing, ok := definition.Children[childName]; ok {
		if existing.Hash == nil || *existing.Hash != *digest {
			c.Logger.Printf("warning: calculated hash for %s did not match server hash %s, file may have changed", path, digest)
			existing.Hash = digest
			definition.Children[childName] = existing
		}
	}
	return nil
}
