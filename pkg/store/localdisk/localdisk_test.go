package localdisk

import (
	"testing"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/store"
	"github.com/couling/hashback/pkg/store/storagetest"
)

func TestLocalDiskConformance(t *testing.T) {
	storagetest.Test(t, func(t *testing.T) store.Store {
		root := t.TempDir()
		s, err := New(root, DefaultConfig)
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestShardedPath(t *testing.T) {
	s := &Store{root: "/base", config: Config{SplitCount: 2, SplitSize: 2}}
	digest := blob.MustParseDigest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	got := s.shardedPath(digest, store.KindFile)
	want := "/base/store/e3/b0/e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("shardedPath = %s, want %s", got, want)
	}
	gotDir := s.shardedPath(digest, store.KindDirectory)
	if gotDir != want+".d" {
		t.Fatalf("shardedPath(dir) = %s, want %s", gotDir, want+".d")
	}
}
