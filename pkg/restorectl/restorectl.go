// Package restorectl implements the restore half of the backup
// protocol: full_restore and partial_restore (spec §4.8), grounded on
// protocol.py's restore_file and on the same tree-walk shape
// backup_algorithm.py uses for the forward direction.
package restorectl

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/couling/hashback/pkg/explorer"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/syncutil"
)

// NewExplorer builds an Explorer rooted at an arbitrary local path, with
// no filters -- a restore target is never filtered, unlike a backup
// source.
type NewExplorer func(path string) (explorer.Explorer, error)

// Controller drives one restore operation.
type Controller struct {
	Server  session.ServerSession
	Explore NewExplorer
	Toggles explorer.RestoreToggles

	// Clobber, if true, allows restoring over an existing file or
	// directory entry; directories are never clobbered by a
	// non-directory regardless of this setting (spec §4.8).
	Clobber bool

	Semaphore syncutil.Semaphore
	Logger    *log.Logger
}

// NewController returns a Controller with a capacity-10 FIFO semaphore
// and every metadata toggle enabled.
func NewController(server session.ServerSession, explore NewExplorer) *Controller {
	return &Controller{
		Server:    server,
		Explore:   explore,
		Toggles:   explorer.RestoreToggles{UID: true, GID: true, Mode: true, ModifiedTime: true},
		Semaphore: syncutil.New(10, syncutil.FIFO),
		Logger:    log.Default(),
	}
}

// FullRestore restores every root of backup to targetBasePath(name),
// the caller-resolved local directory for each named root (spec §4.8:
// "resolves a local target path from the client configuration").
func (c *Controller) FullRestore(ctx context.Context, backup protocol.Backup, targetBasePath func(rootName string) string) error {
	for name, inode := range backup.Roots {
		target := targetBasePath(name)
		if target == "" {
			c.Logger.Printf("warning: no target path configured for root %q, skipping", name)
			continue
		}
		if err := c.restoreToPath(ctx, target, inode); err != nil {
			return fmt.Errorf("restorectl: root %q: %w", name, err)
		}
	}
	return nil
}

// PartialRestore restores rootInode (optionally descending into
// sourceSubpath first) to targetPath.
func (c *Controller) PartialRestore(ctx context.Context, rootInode protocol.Inode, sourceSubpath string, targetPath string) error {
	inode := rootInode
	if sourceSubpath != "" {
		resolved, err := c.descend(ctx, rootInode, sourceSubpath)
		if err != nil {
			return err
		}
		inode = resolved
	}
	return c.restoreToPath(ctx, targetPath, inode)
}

// descend resolves a "/"-separated relative path from root down to the
// named descendant's inode.
func (c *Controller) descend(ctx context.Context, root protocol.Inode, subpath string) (protocol.Inode, error) {
	current := root
	for _, part := range splitPath(subpath) {
		if current.Type != protocol.FileDirectory {
			return protocol.Inode{}, fmt.Errorf("%w: %q is not a directory", protocol.InvalidArgumentsError, part)
		}
		dir, err := c.Server.GetDirectory(ctx, current)
		if err != nil {
			return protocol.Inode{}, err
		}
		child, ok := dir.Children[part]
		if !ok {
			return protocol.Inode{}, fmt.Errorf("%w: no such entry %q", protocol.NotFoundError, part)
		}
		current = child
	}
	return current, nil
}

// splitPath normalises subpath into its non-empty "/"-separated
// components, independent of the host OS path separator.
func splitPath(subpath string) []string {
	clean := filepath.ToSlash(filepath.Clean(subpath))
	if clean == "." || clean == "" {
		return nil
	}
	var parts []string
	for _, part := range strings.Split(clean, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// restoreToPath writes inode (a root or a resolved subpath target) at
// targetPath, splitting it into a parent explorer and leaf name since
// Explorer writes are always expressed as "create this named child of
// a directory".
func (c *Controller) restoreToPath(ctx context.Context, targetPath string, inode protocol.Inode) error {
	parentPath := filepath.Dir(targetPath)
	leaf := filepath.Base(targetPath)
	parent, err := c.Explore(parentPath)
	if err != nil {
		return err
	}
	return c.restoreEntry(ctx, parent, leaf, inode)
}

// restoreEntry writes name as a child of parent, recursing for
// directories.
func (c *Controller) restoreEntry(ctx context.Context, parent explorer.Explorer, name string, inode protocol.Inode) error {
	if err := c.Semaphore.Acquire(ctx); err != nil {
		return err
	}

	if inode.Type == protocol.FileDirectory {
		err := parent.RestoreChild(ctx, name, protocol.FileDirectory, nil, c.Clobber)
		c.Semaphore.Release()
		if err != nil {
			return err
		}
		child, err := parent.GetChild(name)
		if err != nil {
			return err
		}
		dirData, err := c.Server.GetDirectory(ctx, inode)
		if err != nil {
			return err
		}
		tasks := make([]func(ctx context.Context) error, 0, len(dirData.Children))
		for childName, childInode := range dirData.Children {
			childName, childInode := childName, childInode
			tasks = append(tasks, func(ctx context.Context) error {
				return c.restoreEntry(ctx, child, childName, childInode)
			})
		}
		if err := syncutil.GatherAllOrNothing(ctx, tasks...); err != nil {
			return err
		}
		return parent.RestoreMeta(ctx, name, inode, c.Toggles)
	}

	defer c.Semaphore.Release()
	content, err := c.Server.GetFile(ctx, inode)
	if err != nil {
		return err
	}
	defer content.Close()
	if err := parent.RestoreChild(ctx, name, inode.Type, content, c.Clobber); err != nil {
		return err
	}
	return parent.RestoreMeta(ctx, name, inode, c.Toggles)
}
