package localsession

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/dirdef"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/store/localdisk"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	root := t.TempDir()
	if err := Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	blobStore, err := localdisk.New(root, localdisk.DefaultConfig)
	if err != nil {
		t.Fatalf("localdisk.New: %v", err)
	}
	db, err := Open(root, blobStore)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestBackupRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)

	clientID := uuid.New()
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName:        "alice",
		ClientID:          clientID,
		BackupGranularity: protocol.GranularityDay,
		BackupDirectories: map[string]protocol.BackupDirectory{
			"home": {BasePath: "/home/alice"},
		},
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	names, err := db.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if len(names) != 1 || names[0] != "alice" {
		t.Fatalf("ListClients = %v, want [alice]", names)
	}

	backupDate := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	// Day granularity in UTC normalises the backup date to midnight.
	wantDate := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	bs, err := sess.StartBackup(ctx, backupDate, false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	emptyDir := protocol.Directory{Children: map[string]protocol.Inode{}}
	resp, err := bs.DirectoryDef(ctx, emptyDir, nil)
	if err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}
	if resp.RefHash == nil {
		t.Fatalf("DirectoryDef response has no RefHash for an empty directory")
	}
	digest, _, err := dirdef.Digest(emptyDir)
	if err != nil {
		t.Fatalf("dirdef.Digest: %v", err)
	}
	if *resp.RefHash != digest {
		t.Fatalf("RefHash = %s, want %s", resp.RefHash, digest)
	}

	rootInode := protocol.Inode{Type: protocol.FileDirectory, Hash: &digest}
	if err := bs.AddRootDir(ctx, "home", rootInode); err != nil {
		t.Fatalf("AddRootDir: %v", err)
	}

	backup, err := bs.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if backup.ClientName != "alice" {
		t.Fatalf("backup.ClientName = %q", backup.ClientName)
	}
	if !backup.BackupDate.Equal(wantDate) {
		t.Fatalf("backup.BackupDate = %s, want %s", backup.BackupDate, wantDate)
	}
	if _, ok := backup.Roots["home"]; !ok {
		t.Fatalf("backup.Roots missing %q", "home")
	}

	if bs.IsOpen() {
		t.Fatalf("session should be closed after Complete")
	}

	fetched, err := sess.GetBackup(ctx, nil)
	if err != nil {
		t.Fatalf("GetBackup(latest): %v", err)
	}
	if !fetched.Completed.Equal(backup.Completed) {
		t.Fatalf("GetBackup returned a different backup than Complete produced")
	}

	summaries, err := sess.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(summaries) != 1 || !summaries[0].BackupDate.Equal(wantDate) {
		t.Fatalf("ListBackups = %v", summaries)
	}

	dir, err := sess.GetDirectory(ctx, rootInode)
	if err != nil {
		t.Fatalf("GetDirectory: %v", err)
	}
	if len(dir.Children) != 0 {
		t.Fatalf("GetDirectory returned %d children, want 0", len(dir.Children))
	}
}

func TestStartBackupDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "bob", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	bs, err := sess.StartBackup(ctx, date, false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	emptyDir := protocol.Directory{Children: map[string]protocol.Inode{}}
	resp, err := bs.DirectoryDef(ctx, emptyDir, nil)
	if err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}
	if err := bs.AddRootDir(ctx, "root", protocol.Inode{Type: protocol.FileDirectory, Hash: resp.RefHash}); err != nil {
		t.Fatalf("AddRootDir: %v", err)
	}
	if _, err := bs.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := sess.StartBackup(ctx, date, false, nil); !errors.Is(err, protocol.DuplicateBackupError) {
		t.Fatalf("StartBackup duplicate = %v, want DuplicateBackupError", err)
	}
}

func TestOpenClientSessionUnknown(t *testing.T) {
	db := newTestDatabase(t)
	if _, err := db.OpenClientSession(context.Background(), "nobody"); !errors.Is(err, protocol.NotFoundError) {
		t.Fatalf("OpenClientSession(unknown) = %v, want NotFoundError", err)
	}
}

func TestCreateClientNameCollision(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	cfg := protocol.ClientConfiguration{ClientName: "carol", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay}
	if _, err := db.CreateClient(ctx, cfg); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	cfg2 := cfg
	cfg2.ClientID = uuid.New()
	if _, err := db.CreateClient(ctx, cfg2); !errors.Is(err, protocol.AlreadyExistsError) {
		t.Fatalf("CreateClient duplicate name = %v, want AlreadyExistsError", err)
	}
}

// TestDirectoryDefMissingRefHandshake drives the two-phase
// directory_def retry: a definition naming a file that hasn't been
// uploaded yet must come back with a non-nil MissingRef, and replaying
// that exact token as replaces after the file lands must succeed.
func TestDirectoryDefMissingRefHandshake(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "gina", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	bs, err := sess.StartBackup(ctx, time.Now(), false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	content := []byte("not uploaded yet")
	fileDigest := blob.Of(content)
	definition := protocol.Directory{Children: map[string]protocol.Inode{
		"missing.txt": {Type: protocol.FileRegular, Size: int64(len(content)), Hash: &fileDigest},
	}}

	first, err := bs.DirectoryDef(ctx, definition, nil)
	if err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}
	if first.Success() {
		t.Fatalf("DirectoryDef succeeded for a file that was never uploaded")
	}
	if first.MissingRef == nil {
		t.Fatalf("missing-files response has a nil MissingRef")
	}
	if len(first.MissingFiles) != 1 || first.MissingFiles[0] != "missing.txt" {
		t.Fatalf("MissingFiles = %v, want [missing.txt]", first.MissingFiles)
	}

	if _, err := bs.UploadFileContent(ctx, uuid.New(), 0, true, bytes.NewReader(content)); err != nil {
		t.Fatalf("UploadFileContent: %v", err)
	}

	second, err := bs.DirectoryDef(ctx, definition, first.MissingRef)
	if err != nil {
		t.Fatalf("DirectoryDef retry: %v", err)
	}
	if !second.Success() {
		t.Fatalf("DirectoryDef retry still missing files: %v", second.MissingFiles)
	}
	if second.RefHash == nil {
		t.Fatalf("DirectoryDef retry response has no RefHash")
	}
}

// TestDirectoryDefReplacesMismatchRejected checks that a replaces token
// that doesn't match the directory's own outstanding missing-files
// response is rejected rather than silently accepted -- the
// client/server disagreement check the retry handshake exists for.
func TestDirectoryDefReplacesMismatchRejected(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "hank", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	bs, err := sess.StartBackup(ctx, time.Now(), false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	content := []byte("also not uploaded")
	fileDigest := blob.Of(content)
	definition := protocol.Directory{Children: map[string]protocol.Inode{
		"still-missing.txt": {Type: protocol.FileRegular, Size: int64(len(content)), Hash: &fileDigest},
	}}

	if _, err := bs.DirectoryDef(ctx, definition, nil); err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}

	bogus := uuid.New()
	if _, err := bs.DirectoryDef(ctx, definition, &bogus); !errors.Is(err, protocol.InvalidArgumentsError) {
		t.Fatalf("DirectoryDef with mismatched replaces = %v, want InvalidArgumentsError", err)
	}
}

// TestUploadFileContentRejectsCompletedResumeIDReuse checks that
// finishing an upload under a resume_id, then reusing that same
// resume_id for a fresh is_complete=true upload, fails already_exists
// instead of silently starting a new empty upload.
func TestUploadFileContentRejectsCompletedResumeIDReuse(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "iris", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	bs, err := sess.StartBackup(ctx, time.Now(), false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	resumeID := uuid.New()
	if _, err := bs.UploadFileContent(ctx, resumeID, 0, true, bytes.NewReader([]byte("first"))); err != nil {
		t.Fatalf("first UploadFileContent: %v", err)
	}
	if _, err := bs.UploadFileContent(ctx, resumeID, 0, true, bytes.NewReader([]byte("second"))); !errors.Is(err, protocol.AlreadyExistsError) {
		t.Fatalf("reused resume id = %v, want AlreadyExistsError", err)
	}
}

func TestDiscardRemovesSession(t *testing.T) {
	ctx := context.Background()
	db := newTestDatabase(t)
	sess, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "dave", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	bs, err := sess.StartBackup(ctx, time.Now(), false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	if err := bs.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if bs.IsOpen() {
		t.Fatalf("session should be closed after Discard")
	}
	if err := bs.Discard(ctx); !errors.Is(err, protocol.SessionClosedError) {
		t.Fatalf("second Discard = %v, want SessionClosedError", err)
	}
}
