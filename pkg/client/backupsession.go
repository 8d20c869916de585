package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
)

// backupSession is the client-side session.BackupSession, matching
// ClientBackupSession.
type backupSession struct {
	client *Client
	config protocol.BackupSessionConfig
	open   bool
}

var _ session.BackupSession = (*backupSession)(nil)

func (b *backupSession) Config() protocol.BackupSessionConfig { return b.config }
func (b *backupSession) IsOpen() bool                         { return b.open }

func (b *backupSession) path(suffix string) string {
	return "/backup-session/" + b.config.SessionID.String() + suffix
}

func (b *backupSession) DirectoryDef(ctx context.Context, definition protocol.Directory, replaces *uuid.UUID) (protocol.DirectoryDefResponse, error) {
	children := definition.Children
	if children == nil {
		children = map[string]protocol.Inode{}
	}
	body, err := json.Marshal(children)
	if err != nil {
		return protocol.DirectoryDefResponse{}, err
	}
	var query url.Values
	if replaces != nil {
		query = url.Values{"replaces": {replaces.String()}}
	}
	var response protocol.DirectoryDefResponse
	if err := b.client.doJSON(ctx, "POST", b.path("/directory"), query, body, &response); err != nil {
		return protocol.DirectoryDefResponse{}, err
	}
	return response, nil
}

func (b *backupSession) UploadFileContent(ctx context.Context, resumeID uuid.UUID, resumeFrom int64, isComplete bool, content io.Reader) (*blob.Digest, error) {
	query := url.Values{
		"resume_id":   {resumeID.String()},
		"resume_from": {strconv.FormatInt(resumeFrom, 10)},
		"is_complete": {strconv.FormatBool(isComplete)},
	}
	resp, err := b.client.uploadFile(ctx, b.path("/file"), query, content)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var digest *blob.Digest
	if err := json.NewDecoder(resp.Body).Decode(&digest); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.InvalidResponseError, err)
	}
	return digest, nil
}

func (b *backupSession) AddRootDir(ctx context.Context, rootDirName string, inode protocol.Inode) error {
	body, err := json.Marshal(inode)
	if err != nil {
		return err
	}
	return b.client.doJSON(ctx, "PUT", b.path("/roots/"+url.PathEscape(rootDirName)), nil, body, nil)
}

func (b *backupSession) CheckFileUploadSize(ctx context.Context, resumeID uuid.UUID) (int64, error) {
	query := url.Values{"resume_id": {resumeID.String()}}
	var size int64
	err := b.client.doJSON(ctx, "GET", b.path("/file-partial-size"), query, nil, &size)
	return size, err
}

func (b *backupSession) Complete(ctx context.Context) (protocol.Backup, error) {
	var backup protocol.Backup
	err := b.client.doJSON(ctx, "POST", b.path("/complete"), nil, nil, &backup)
	if err == nil {
		b.open = false
	}
	return backup, err
}

func (b *backupSession) Discard(ctx context.Context) error {
	err := b.client.doJSON(ctx, "DELETE", b.path(""), nil, nil, nil)
	if err == nil {
		b.open = false
	}
	return err
}
