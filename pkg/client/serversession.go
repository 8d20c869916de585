package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
	"github.com/couling/hashback/pkg/store"
)

// serverSession is the client-side session.ServerSession, matching
// ClientSession.
type serverSession struct {
	client *Client
	config protocol.ClientConfiguration
}

var _ session.ServerSession = (*serverSession)(nil)

func (s *serverSession) ClientConfig() protocol.ClientConfiguration { return s.config }

func (s *serverSession) StartBackup(ctx context.Context, backupDate time.Time, allowOverwrite bool, description *string) (session.BackupSession, error) {
	query := url.Values{
		"backup_date":     {backupDate.UTC().Format(time.RFC3339Nano)},
		"allow_overwrite": {strconv.FormatBool(allowOverwrite)},
	}
	if description != nil {
		query.Set("description", *description)
	}
	var config protocol.BackupSessionConfig
	if err := s.client.doJSON(ctx, "POST", "/backup-session/new", query, nil, &config); err != nil {
		return nil, err
	}
	return &backupSession{client: s.client, config: config, open: true}, nil
}

func (s *serverSession) ResumeBackupBySession(ctx context.Context, sessionID uuid.UUID) (session.BackupSession, error) {
	query := url.Values{"session_id": {sessionID.String()}}
	var config protocol.BackupSessionConfig
	if err := s.client.doJSON(ctx, "GET", "/backup-session/", query, nil, &config); err != nil {
		return nil, err
	}
	return &backupSession{client: s.client, config: config, open: true}, nil
}

func (s *serverSession) ResumeBackupByDate(ctx context.Context, backupDate time.Time) (session.BackupSession, error) {
	query := url.Values{"backup_date": {backupDate.UTC().Format(time.RFC3339Nano)}}
	var config protocol.BackupSessionConfig
	if err := s.client.doJSON(ctx, "GET", "/backup-session/", query, nil, &config); err != nil {
		return nil, err
	}
	return &backupSession{client: s.client, config: config, open: true}, nil
}

// ListBackupSessions has no counterpart in the wire protocol: the
// reference http_protocol.py exposes no endpoint for it, only
// local_database does directly. A deployment that needs this over the
// network has to add its own endpoint; until then this reports
// protocol_error rather than silently returning an empty list.
func (s *serverSession) ListBackupSessions(ctx context.Context) ([]protocol.BackupSessionConfig, error) {
	return nil, fmt.Errorf("%w: list_backup_sessions is not exposed over HTTP", protocol.ProtocolError)
}

// ListBackups has the same gap as ListBackupSessions above.
func (s *serverSession) ListBackups(ctx context.Context) ([]session.BackupSummary, error) {
	return nil, fmt.Errorf("%w: list_backups is not exposed over HTTP", protocol.ProtocolError)
}

func (s *serverSession) GetBackup(ctx context.Context, backupDate *time.Time) (protocol.Backup, error) {
	var backup protocol.Backup
	var err error
	if backupDate == nil {
		err = s.client.doJSON(ctx, "GET", "/backups/latest", nil, nil, &backup)
	} else {
		err = s.client.doJSON(ctx, "GET", "/backups/"+url.PathEscape(backupDate.UTC().Format(time.RFC3339Nano)), nil, nil, &backup)
	}
	return backup, err
}

func (s *serverSession) GetDirectory(ctx context.Context, inode protocol.Inode) (protocol.Directory, error) {
	if inode.Hash == nil {
		return protocol.Directory{}, fmt.Errorf("%w: directory inode has no hash", protocol.InvalidArgumentsError)
	}
	var response struct {
		Children map[string]protocol.Inode `json:"children"`
	}
	if err := s.client.doJSON(ctx, "GET", "/directory/"+inode.Hash.String(), nil, nil, &response); err != nil {
		return protocol.Directory{}, err
	}
	return protocol.Directory{Children: response.Children}, nil
}

func (s *serverSession) GetFile(ctx context.Context, inode protocol.Inode) (store.SizedReader, error) {
	if inode.Hash == nil {
		return nil, fmt.Errorf("%w: file inode has no hash", protocol.InvalidArgumentsError)
	}
	resp, err := s.client.do(ctx, "GET", "/file/"+inode.Hash.String(), nil, nil, "")
	if err != nil {
		return nil, err
	}
	return newSizedReader(resp), nil
}
