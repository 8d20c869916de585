// Package localfs implements pkg/explorer.Explorer over the local
// filesystem, grounded on the contract spec §4.4 describes and on
// perkeep's camput uploader (cmd/camput/files.go) for the walking /
// stat-then-open idiom, generalised to the filter tree and hard-link
// dedup this spec additionally requires.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/explorer"
	"github.com/couling/hashback/pkg/filter"
	"github.com/couling/hashback/pkg/protocol"
)

// InodeCache is the process-wide (device, inode) -> Inode cache used to
// hash a hard-linked file exactly once, shared across every Explorer in
// one backup run. Directories are never cached: they cannot be
// hard-linked in POSIX.
type InodeCache struct {
	mu sync.Mutex
	m  map[cacheKey]protocol.Inode
}

type cacheKey struct {
	dev, ino uint64
}

// NewInodeCache returns an empty cache; share one instance across every
// Explorer created for a single backup run.
func NewInodeCache() *InodeCache {
	return &InodeCache{m: map[cacheKey]protocol.Inode{}}
}

func (c *InodeCache) get(key cacheKey) (protocol.Inode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *InodeCache) put(key cacheKey, inode protocol.Inode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = inode
}

// Explorer is the local-disk Explorer implementation.
type Explorer struct {
	path       string
	filterNode *filter.Node
	patterns   []string
	cache      *InodeCache
	logger     *log.Logger
}

var _ explorer.Explorer = (*Explorer)(nil)

// New returns an Explorer rooted at path, with filters compiled from
// the client's configured rules for this backup directory.
func New(path string, filters []protocol.Filter, cache *InodeCache, logger *log.Logger) *Explorer {
	if logger == nil {
		logger = log.Default()
	}
	compiled := filter.Compile(filters)
	return &Explorer{path: path, filterNode: compiled.Root, patterns: compiled.Patterns, cache: cache, logger: logger}
}

func newChild(path string, node *filter.Node, patterns []string, cache *InodeCache, logger *log.Logger) *Explorer {
	return &Explorer{path: path, filterNode: node, patterns: patterns, cache: cache, logger: logger}
}

func (e *Explorer) GetPath(child string) string {
	if child == "" {
		return e.path
	}
	return filepath.Join(e.path, child)
}

func (e *Explorer) Inode(_ context.Context) (protocol.Inode, error) {
	if e.filterNode.EffectiveType == protocol.FilterExclude && len(e.filterNode.Children) == 0 {
		return explorer.ExcludedDirectoryInode(), nil
	}
	fi, err := os.Lstat(e.path)
	if err != nil {
		return protocol.Inode{}, err
	}
	return inodeFromLstat(fi), nil
}

// IterChildren lists this directory's entries, applying the filter
// tree and glob patterns, and filling in per-entry metadata. Excluded
// entries are skipped silently at debug level (spec §4.7).
func (e *Explorer) IterChildren(_ context.Context) ([]explorer.Child, error) {
	entries, err := os.ReadDir(e.path)
	if err != nil {
		return nil, err
	}
	var out []explorer.Child
	for _, entry := range entries {
		name := entry.Name()
		if e.filterNode.Excluded(name) {
			e.logger.Printf("debug: skipping excluded %s", e.GetPath(name))
			continue
		}
		if matchesAny(e.patterns, name) {
			e.logger.Printf("debug: skipping pattern-excluded %s", e.GetPath(name))
			continue
		}
		fullPath := filepath.Join(e.path, name)
		fi, err := os.Lstat(fullPath)
		if err != nil {
			e.logger.Printf("error: cannot stat %s: %v", fullPath, err)
			continue
		}
		if fi.IsDir() {
			out = append(out, explorer.Child{Name: name, Inode: protocol.Inode{Type: protocol.FileDirectory}})
			continue
		}
		inode := inodeFromLstat(fi)
		if cached, ok := e.lookupHardlink(fullPath, fi, &inode); ok {
			inode = cached
		}
		out = append(out, explorer.Child{Name: name, Inode: inode})
	}
	return out, nil
}

// lookupHardlink checks (and, for genuine hard links, populates) the
// process-wide inode cache. It returns (inode-with-hash, true) on a
// cache hit so the caller never re-hashes a file it already hashed via
// a different name.
func (e *Explorer) lookupHardlink(fullPath string, fi os.FileInfo, base *protocol.Inode) (protocol.Inode, bool) {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || stat.Nlink < 2 {
		return protocol.Inode{}, false
	}
	key := cacheKey{dev: uint64(stat.Dev), ino: stat.Ino}
	if cached, ok := e.cache.get(key); ok {
		return cached, true
	}
	// First time we've seen this (dev, ino) pair: hash it now so every
	// later hard-linked name sharing it is free (spec §4.4, §8 scenario
	// 3 "hard-link dedup").
	hashed := *base
	if base.Type.HasContent() {
		digest, err := hashFile(fullPath, base.Type)
		if err == nil {
			hashed.Hash = &digest
		}
	}
	e.cache.put(key, hashed)
	return hashed, true
}

func hashFile(path string, fileType protocol.FileType) (blob.Digest, error) {
	switch fileType {
	case protocol.FileLink:
		target, err := os.Readlink(path)
		if err != nil {
			return blob.Digest{}, err
		}
		return blob.Of([]byte(target)), nil
	case protocol.FilePipe, protocol.FileSocket:
		return blob.Empty(), nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return blob.Digest{}, err
		}
		defer f.Close()
		return blob.OfReader(f)
	}
}

func (e *Explorer) GetChild(name string) (explorer.Explorer, error) {
	return newChild(filepath.Join(e.path, name), e.filterNode.Descend(name), e.patterns, e.cache, e.logger), nil
}

// OpenChild opens name per spec §4.4: regular files yield their bytes,
// links yield their target path as UTF-8 bytes without following the
// link (eliminating the symlink-cycle hazard noted in spec §9), and
// pipes/sockets yield an empty reader.
func (e *Explorer) OpenChild(_ context.Context, name string) (explorer.Reader, error) {
	fullPath := filepath.Join(e.path, name)
	fi, err := os.Lstat(fullPath)
	if err != nil {
		return nil, err
	}
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fullPath)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(strings.NewReader(target)), nil
	case fi.Mode()&(os.ModeNamedPipe|os.ModeSocket) != 0:
		return io.NopCloser(strings.NewReader("")), nil
	default:
		return os.Open(fullPath)
	}
}

func inodeFromLstat(fi os.FileInfo) protocol.Inode {
	mode := fi.Mode()
	stat, _ := fi.Sys().(*syscall.Stat_t)
	var uid, gid uint32
	if stat != nil {
		uid, gid = stat.Uid, stat.Gid
	}
	return protocol.Inode{
		ModifiedTime: fi.ModTime().UTC(),
		Type:         fileTypeOf(mode),
		Mode:         uint32(mode.Perm()) | extraModeBits(mode),
		Size:         fi.Size(),
		UID:          uid,
		GID:          gid,
	}
}

// extraModeBits preserves setuid/setgid/sticky bits, which fi.Mode()
// exposes via the standard os.Mode* constants rather than raw stat bits.
func extraModeBits(mode os.FileMode) uint32 {
	var bits uint32
	if mode&os.ModeSetuid != 0 {
		bits |= 0o4000
	}
	if mode&os.ModeSetgid != 0 {
		bits |= 0o2000
	}
	if mode&os.ModeSticky != 0 {
		bits |= 0o1000
	}
	return bits
}

func fileTypeOf(mode os.FileMode) protocol.FileType {
	switch {
	case mode.IsDir():
		return protocol.FileDirectory
	case mode&os.ModeSymlink != 0:
		return protocol.FileLink
	case mode&os.ModeNamedPipe != 0:
		return protocol.FilePipe
	case mode&os.ModeSocket != 0:
		return protocol.FileSocket
	case mode&os.ModeDevice != 0:
		if mode&os.ModeCharDevice != 0 {
			return protocol.FileCharacterDevice
		}
		return protocol.FileBlockDevice
	default:
		return protocol.FileRegular
	}
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}

// ErrUnsupportedFileType is returned by RestoreChild for a file type
// this implementation cannot materialise on disk.
var ErrUnsupportedFileType = errors.New("localfs: unsupported file type for restore")

// RestoreChild writes a new child of fileType at name with the given
// content. clobber=false refuses to overwrite an existing entry;
// clobbering a directory with a non-directory is always refused.
func (e *Explorer) RestoreChild(_ context.Context, name string, fileType protocol.FileType, content io.Reader, clobber bool) error {
	fullPath := filepath.Join(e.path, name)
	if fi, err := os.Lstat(fullPath); err == nil {
		if fi.IsDir() && fileType != protocol.FileDirectory {
			return fmt.Errorf("localfs: refusing to clobber directory %s with non-directory", fullPath)
		}
		if !clobber {
			return fmt.Errorf("localfs: %s already exists and clobber is false", fullPath)
		}
		if err := os.RemoveAll(fullPath); err != nil {
			return err
		}
	}
	switch fileType {
	case protocol.FileDirectory:
		return os.MkdirAll(fullPath, 0o755)
	case protocol.FileRegular:
		f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, content)
		return err
	case protocol.FileLink:
		target, err := io.ReadAll(content)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), fullPath)
	case protocol.FilePipe:
		return syscall.Mkfifo(fullPath, 0o644)
	case protocol.FileSocket:
		return ErrUnsupportedFileType
	default:
		return ErrUnsupportedFileType
	}
}

// RestoreMeta applies the metadata attributes selected by toggles to
// the already-restored child at name.
func (e *Explorer) RestoreMeta(_ context.Context, name string, inode protocol.Inode, toggles explorer.RestoreToggles) error {
	fullPath := filepath.Join(e.path, name)
	if toggles.Mode {
		if err := os.Chmod(fullPath, os.FileMode(inode.Permissions())); err != nil {
			return err
		}
	}
	if toggles.UID || toggles.GID {
		uid, gid := -1, -1
		if toggles.UID {
			uid = int(inode.UID)
		}
		if toggles.GID {
			gid = int(inode.GID)
		}
		if err := os.Lchown(fullPath, uid, gid); err != nil {
			return err
		}
	}
	if toggles.ModifiedTime {
		if err := os.Chtimes(fullPath, time.Now(), inode.ModifiedTime); err != nil {
			return err
		}
	}
	return nil
}
