// Package storagetest is a shared conformance suite for pkg/store.Store
// implementations, grounded on perkeep's
// pkg/blobserver/storagetest.Test/TestOpt pattern: a single entry point
// that exercises every backend the same way.
package storagetest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/store"
)

// New constructs a fresh, empty store for one test run.
type New func(t *testing.T) store.Store

// Test runs the full conformance suite against a store built by newFn.
func Test(t *testing.T, newFn New) {
	t.Run("PutAndGet", func(t *testing.T) { testPutAndGet(t, newFn(t)) })
	t.Run("PutIsIdempotent", func(t *testing.T) { testPutIdempotent(t, newFn(t)) })
	t.Run("FileAndDirectoryDoNotAlias", func(t *testing.T) { testKindIsolation(t, newFn(t)) })
	t.Run("StagingIsInvisibleUntilPromoted", func(t *testing.T) { testStagingIsolation(t, newFn(t)) })
	t.Run("PromoteSkipsExisting", func(t *testing.T) { testPromoteSkipsExisting(t, newFn(t)) })
	t.Run("DiscardRemovesStaging", func(t *testing.T) { testDiscard(t, newFn(t)) })
	t.Run("PartialUploadResumes", func(t *testing.T) { testPartialResume(t, newFn(t)) })
}

func testPutAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte("Hello World")
	key := blob.Of(content)

	if ok, err := s.Exists(ctx, key, store.KindFile); err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v; want false, nil", ok, err)
	}
	if err := s.Put(ctx, key, store.KindFile, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if ok, err := s.Exists(ctx, key, store.KindFile); err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v; want true, nil", ok, err)
	}
	r, err := s.OpenRead(ctx, key, store.KindFile)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("got %q, want %q", got, content)
	}
	if r.Size() != int64(len(content)) {
		t.Fatalf("Size() = %d, want %d", r.Size(), len(content))
	}
}

func testPutIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte("repeat me")
	key := blob.Of(content)
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, key, store.KindFile, bytes.NewReader(content)); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	r, err := s.OpenRead(ctx, key, store.KindFile)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content diverged after repeated Put: got %q want %q", got, content)
	}
}

func testKindIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte(`{"a":{"type":"f"}}`)
	key := blob.Of(content)

	if err := s.Put(ctx, key, store.KindDirectory, bytes.NewReader(content)); err != nil {
		t.Fatalf("Put directory: %v", err)
	}
	if ok, err := s.Exists(ctx, key, store.KindFile); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("a directory blob must not be visible as a file blob at the same digest")
	}
}

func testStagingIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte("staged content")
	key := blob.Of(content)
	const session = "session-a"

	if err := s.StagePut(ctx, session, key, store.KindFile, bytes.NewReader(content)); err != nil {
		t.Fatalf("StagePut: %v", err)
	}
	if ok, err := s.Exists(ctx, key, store.KindFile); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("staged object must be invisible to Exists before Promote")
	}
	if ok, err := s.StageExists(ctx, session, key, store.KindFile); err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("StageExists should see the object within its own session")
	}
	if err := s.Promote(ctx, session); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if ok, err := s.Exists(ctx, key, store.KindFile); err != nil || !ok {
		t.Fatalf("Exists after Promote = %v, %v; want true, nil", ok, err)
	}
}

func testPromoteSkipsExisting(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte("already there")
	key := blob.Of(content)

	if err := s.Put(ctx, key, store.KindFile, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	const session = "session-b"
	if err := s.StagePut(ctx, session, key, store.KindFile, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if err := s.Promote(ctx, session); err != nil {
		t.Fatalf("Promote of an already-present key must not fail: %v", err)
	}
}

func testDiscard(t *testing.T, s store.Store) {
	ctx := context.Background()
	content := []byte("discard me")
	key := blob.Of(content)
	const session = "session-c"

	if err := s.StagePut(ctx, session, key, store.KindFile, bytes.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	if err := s.DiscardSession(ctx, session); err != nil {
		t.Fatalf("DiscardSession: %v", err)
	}
	if ok, err := s.StageExists(ctx, session, key, store.KindFile); err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("staged object should be gone after DiscardSession")
	}
	if err := s.Promote(ctx, session); err != nil {
		t.Fatalf("Promote of a discarded (now nonexistent) session must be a no-op, got: %v", err)
	}
}

func testPartialResume(t *testing.T, s store.Store) {
	ctx := context.Background()
	const session = "session-d"
	const resumeID = "resume-1"

	chunk1 := bytes.Repeat([]byte{0xAA}, 1<<20)
	chunk2 := bytes.Repeat([]byte{0xBB}, 1<<20)

	w, err := s.StagePartial(ctx, session, resumeID)
	if err != nil {
		t.Fatalf("StagePartial: %v", err)
	}
	if err := w.WriteAt(ctx, 0, bytes.NewReader(chunk1)); err != nil {
		t.Fatalf("WriteAt chunk1: %v", err)
	}
	size, err := w.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(chunk1)) {
		t.Fatalf("Size = %d, want %d", size, len(chunk1))
	}

	if err := w.WriteAt(ctx, int64(len(chunk1)), bytes.NewReader(chunk2)); err != nil {
		t.Fatalf("WriteAt chunk2: %v", err)
	}
	digest, err := w.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	want := blob.Of(append(append([]byte{}, chunk1...), chunk2...))
	if digest != want {
		t.Fatalf("Finalize digest = %s, want %s", digest, want)
	}
	if ok, err := s.StageExists(ctx, session, digest, store.KindFile); err != nil || !ok {
		t.Fatalf("finalized upload should be visible in session staging: %v, %v", ok, err)
	}
}
