package localdisk

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/store"
)

// partialWriter implements store.PartialWriter over a single file on
// disk, named by resumeID, at "<root>/sessions/<session_id>/partial/<resume_id>".
// That is the store's own session tree; partial uploads are not kept
// under the client's metadata directory ("<base>/client/<id>/sessions/<id>").
type partialWriter struct {
	s         *Store
	sessionID string
	resumeID  string
	path      string
}

func (p *partialWriter) Size(_ context.Context) (int64, error) {
	fi, err := os.Stat(p.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// WriteAt appends or overwrites the partial file starting at offset.
// Writing past the current end of file leaves a sparse hole; callers
// reading it back (directly, or via Finalize) must see zero bytes there
// -- which os.File.ReadAt/io.Copy already do on every OS hashback
// targets, since the hole is materialised by the filesystem.
func (p *partialWriter) WriteAt(_ context.Context, offset int64, content io.Reader) error {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	return err
}

// Finalize hashes the partial file from byte 0 through its current
// length and moves it into this session's staging area under that
// digest, or drops it if the digest is already present in the main
// pool.
func (p *partialWriter) Finalize(ctx context.Context) (blob.Digest, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return blob.Digest{}, err
	}
	digest, err := blob.OfReader(f)
	f.Close()
	if err != nil {
		return blob.Digest{}, err
	}

	if exists, err := p.s.Exists(ctx, digest, store.KindFile); err != nil {
		return blob.Digest{}, err
	} else if exists {
		return digest, os.Remove(p.path)
	}

	dst := p.s.sessionObjectPath(p.sessionID, digest, store.KindFile)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return blob.Digest{}, err
	}
	if err := os.Rename(p.path, dst); err != nil {
		return blob.Digest{}, err
	}
	return digest, nil
}

func (p *partialWriter) Discard(_ context.Context) error {
	err := os.Remove(p.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
