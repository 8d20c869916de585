package httpserver_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/client"
	"github.com/couling/hashback/pkg/httpserver"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session/localsession"
	"github.com/couling/hashback/pkg/store/localdisk"
)

func newTestServer(t *testing.T) (*httptest.Server, *localsession.Database) {
	t.Helper()
	root := t.TempDir()
	if err := localsession.Init(root); err != nil {
		t.Fatalf("Init: %v", err)
	}
	blobStore, err := localdisk.New(root, localdisk.DefaultConfig)
	if err != nil {
		t.Fatalf("localdisk.New: %v", err)
	}
	db, err := localsession.Open(root, blobStore)
	if err != nil {
		t.Fatalf("localsession.Open: %v", err)
	}
	srv := httpserver.NewServer(httpserver.BasicAuth(db), httpserver.ServerVersion{}, nil)
	return httptest.NewServer(srv), db
}

func TestClientServerRoundTrip(t *testing.T) {
	ctx := context.Background()
	ts, db := newTestServer(t)
	defer ts.Close()

	if _, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName:        "erin",
		ClientID:          uuid.New(),
		BackupGranularity: protocol.GranularityDay,
		BackupDirectories: map[string]protocol.BackupDirectory{
			"docs": {BasePath: "/home/erin/docs"},
		},
	}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	c := client.New(client.Config{BaseURL: ts.URL, Username: "erin"})
	sess, err := c.Login(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if sess.ClientConfig().ClientName != "erin" {
		t.Fatalf("ClientConfig().ClientName = %q", sess.ClientConfig().ClientName)
	}

	backupDate := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	bs, err := sess.StartBackup(ctx, backupDate, false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}

	content := []byte("hello, hashback")
	digest, err := bs.UploadFileContent(ctx, uuid.New(), 0, true, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("UploadFileContent: %v", err)
	}
	if digest == nil {
		t.Fatalf("UploadFileContent returned a nil digest for a complete upload")
	}

	fileInode := protocol.Inode{Type: protocol.FileRegular, Size: int64(len(content)), Hash: digest}
	dirResp, err := bs.DirectoryDef(ctx, protocol.Directory{Children: map[string]protocol.Inode{"notes.txt": fileInode}}, nil)
	if err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}
	if dirResp.RefHash == nil {
		t.Fatalf("DirectoryDef response has no RefHash")
	}

	rootInode := protocol.Inode{Type: protocol.FileDirectory, Hash: dirResp.RefHash}
	if err := bs.AddRootDir(ctx, "docs", rootInode); err != nil {
		t.Fatalf("AddRootDir: %v", err)
	}

	backup, err := bs.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if backup.ClientName != "erin" {
		t.Fatalf("backup.ClientName = %q", backup.ClientName)
	}

	fetched, err := sess.GetBackup(ctx, nil)
	if err != nil {
		t.Fatalf("GetBackup(latest): %v", err)
	}
	if !fetched.Completed.Equal(backup.Completed) {
		t.Fatalf("GetBackup returned a different backup than Complete produced")
	}

	dir, err := sess.GetDirectory(ctx, rootInode)
	if err != nil {
		t.Fatalf("GetDirectory: %v", err)
	}
	child, ok := dir.Children["notes.txt"]
	if !ok {
		t.Fatalf("GetDirectory missing child %q", "notes.txt")
	}

	reader, err := sess.GetFile(ctx, child)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	defer reader.Close()
	got, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("reading file content: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("GetFile content = %q, want %q", got, content)
	}
}

func TestUnknownClientRejected(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	c := client.New(client.Config{BaseURL: ts.URL, Username: "nobody"})
	if _, err := c.Login(context.Background()); !errors.Is(err, protocol.AuthenticationFailedError) {
		t.Fatalf("Login(unknown client) = %v, want AuthenticationFailedError", err)
	}
}

func TestDuplicateBackupRejectedOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts, db := newTestServer(t)
	defer ts.Close()

	if _, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "frank", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	c := client.New(client.Config{BaseURL: ts.URL, Username: "frank"})
	sess, err := c.Login(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	date := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	bs, err := sess.StartBackup(ctx, date, false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	dirResp, err := bs.DirectoryDef(ctx, protocol.Directory{Children: map[string]protocol.Inode{}}, nil)
	if err != nil {
		t.Fatalf("DirectoryDef: %v", err)
	}
	if err := bs.AddRootDir(ctx, "root", protocol.Inode{Type: protocol.FileDirectory, Hash: dirResp.RefHash}); err != nil {
		t.Fatalf("AddRootDir: %v", err)
	}
	if _, err := bs.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if _, err := sess.StartBackup(ctx, date, false, nil); !errors.Is(err, protocol.DuplicateBackupError) {
		t.Fatalf("StartBackup duplicate over HTTP = %v, want DuplicateBackupError", err)
	}
}

func TestDiscardBackupSessionOverHTTP(t *testing.T) {
	ctx := context.Background()
	ts, db := newTestServer(t)
	defer ts.Close()

	if _, err := db.CreateClient(ctx, protocol.ClientConfiguration{
		ClientName: "gina", ClientID: uuid.New(), BackupGranularity: protocol.GranularityDay,
	}); err != nil {
		t.Fatalf("CreateClient: %v", err)
	}

	c := client.New(client.Config{BaseURL: ts.URL, Username: "gina"})
	sess, err := c.Login(ctx)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	bs, err := sess.StartBackup(ctx, time.Now(), false, nil)
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	if err := bs.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if bs.IsOpen() {
		t.Fatalf("session should report closed after Discard")
	}
}
