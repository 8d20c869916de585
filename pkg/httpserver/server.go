// Package httpserver exposes a session.ServerSession-keyed backend over
// the HTTP wire protocol: one route per endpoint, a basic-auth gate
// resolving the caller's session, and the {"name","message"} error
// envelope on every non-2xx reply (spec §6, §7). Grounded on
// server/app.py's endpoint table and exception_handler, ported onto
// net/http's method+wildcard ServeMux since nothing in the dependency
// set pulls in a router library.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/couling/hashback/pkg/blob"
	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
)

// ServerVersion is the discovery payload the root endpoint returns.
type ServerVersion struct {
	ProtocolVersion string   `json:"protocol_version"`
	ServerType      *string  `json:"server_type,omitempty"`
	ServerVersion   *string  `json:"server_version,omitempty"`
	ServerAuthors   []string `json:"server_authors,omitempty"`
}

// Authenticator resolves HTTP basic-auth credentials to the caller's
// session. The credential store itself is out of scope for the core
// (spec overview): a deployment wires a real one in here. Return
// protocol.AuthenticationFailedError to reject credentials.
type Authenticator func(r *http.Request, username, password string) (session.ServerSession, error)

// Server adapts one Authenticator onto the full HTTP surface.
type Server struct {
	authenticate Authenticator
	version      ServerVersion
	logger       *log.Logger
	mux          *http.ServeMux
}

// NewServer builds a Server ready to be used as an http.Handler.
func NewServer(authenticate Authenticator, version ServerVersion, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	version.ProtocolVersion = protocol.Version
	s := &Server{authenticate: authenticate, version: version, logger: logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHello)
	s.mux.HandleFunc("GET /about-me", s.withSession(s.handleAboutMe))
	s.mux.HandleFunc("GET /backups/latest", s.withSession(s.handleBackupLatest))
	s.mux.HandleFunc("GET /backups/{backup_date}", s.withSession(s.handleBackupByDate))
	s.mux.HandleFunc("GET /directory/{ref_hash}", s.withSession(s.handleGetDirectory))
	s.mux.HandleFunc("GET /file/{ref_hash}", s.withSession(s.handleGetFile))
	s.mux.HandleFunc("POST /backup-session/new", s.withSession(s.handleStartBackup))
	s.mux.HandleFunc("GET /backup-session/{$}", s.withSession(s.handleResumeBackup))
	s.mux.HandleFunc("DELETE /backup-session/{session_id}", s.withBackupSession(s.handleDiscardBackup))
	s.mux.HandleFunc("POST /backup-session/{session_id}/complete", s.withBackupSession(s.handleCompleteBackup))
	s.mux.HandleFunc("POST /backup-session/{session_id}/directory", s.withBackupSession(s.handleDirectoryDef))
	s.mux.HandleFunc("POST /backup-session/{session_id}/file", s.withBackupSession(s.handleUploadFile))
	s.mux.HandleFunc("GET /backup-session/{session_id}/file-partial-size", s.withBackupSession(s.handleFilePartialSize))
	s.mux.HandleFunc("PUT /backup-session/{session_id}/roots/{root_dir_name}", s.withBackupSession(s.handleAddRootDir))
}

// withSession gates next behind basic auth, resolving credentials to a
// ServerSession via s.authenticate -- the cache.user_session dependency
// in the reference server, minus the lru_cache (the local database
// backend underneath is cheap to reopen; an HTTP-facing deployment that
// wants caching wires it into its own Authenticator).
func (s *Server) withSession(next func(w http.ResponseWriter, r *http.Request, sess session.ServerSession)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="hashback"`)
			s.writeError(w, r, protocol.AuthenticationFailedError)
			return
		}
		sess, err := s.authenticate(r, username, password)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, sess)
	}
}

// withBackupSession additionally resolves the {session_id} path segment
// to a BackupSession via ResumeBackupBySession, matching
// cache.backup_session.
func (s *Server) withBackupSession(next func(w http.ResponseWriter, r *http.Request, bs session.BackupSession)) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
		sessionID, err := uuid.Parse(r.PathValue("session_id"))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: malformed session id %q", protocol.InvalidArgumentsError, r.PathValue("session_id")))
			return
		}
		bs, err := sess.ResumeBackupBySession(r.Context(), sessionID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r, bs)
	})
}

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.version)
}

func (s *Server) handleAboutMe(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	writeJSON(w, http.StatusOK, sess.ClientConfig())
}

func (s *Server) handleBackupLatest(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	backup, err := sess.GetBackup(r.Context(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

func (s *Server) handleBackupByDate(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	date, err := parseTimeParam(r.PathValue("backup_date"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	backup, err := sess.GetBackup(r.Context(), &date)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

func (s *Server) handleGetDirectory(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	digest, err := blob.ParseDigest(r.PathValue("ref_hash"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", protocol.InvalidArgumentsError, err))
		return
	}
	dir, err := sess.GetDirectory(r.Context(), protocol.Inode{Type: protocol.FileDirectory, Hash: &digest})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Children map[string]protocol.Inode `json:"children"`
	}{Children: dir.Children})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	digest, err := blob.ParseDigest(r.PathValue("ref_hash"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", protocol.InvalidArgumentsError, err))
		return
	}
	content, err := sess.GetFile(r.Context(), protocol.Inode{Type: protocol.FileRegular, Hash: &digest})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer content.Close()
	if size := content.Size(); size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, content); err != nil {
		s.logger.Printf("error: streaming %s to %s: %v", digest, r.RemoteAddr, err)
	}
}

func (s *Server) handleStartBackup(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	query := r.URL.Query()
	backupDate := time.Now().UTC()
	if raw := query.Get("backup_date"); raw != "" {
		parsed, err := parseTimeParam(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		backupDate = parsed
	}
	allowOverwrite, _ := strconv.ParseBool(query.Get("allow_overwrite"))
	var description *string
	if raw := query.Get("description"); raw != "" {
		description = &raw
	}
	bs, err := sess.StartBackup(r.Context(), backupDate, allowOverwrite, description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs.Config())
}

func (s *Server) handleResumeBackup(w http.ResponseWriter, r *http.Request, sess session.ServerSession) {
	query := r.URL.Query()
	var bs session.BackupSession
	var err error
	switch {
	case query.Get("session_id") != "":
		var id uuid.UUID
		if id, err = uuid.Parse(query.Get("session_id")); err == nil {
			bs, err = sess.ResumeBackupBySession(r.Context(), id)
		}
	case query.Get("backup_date") != "":
		var date time.Time
		if date, err = parseTimeParam(query.Get("backup_date")); err == nil {
			bs, err = sess.ResumeBackupByDate(r.Context(), date)
		}
	default:
		err = fmt.Errorf("%w: resume requires session_id or backup_date", protocol.InvalidArgumentsError)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bs.Config())
}

func (s *Server) handleDiscardBackup(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	if err := bs.Discard(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteBackup(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	backup, err := bs.Complete(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backup)
}

// handleDirectoryDef decodes the request body as the bare
// name-to-Inode map dirdef.Canonicalize produces -- the wire shape the
// reference implementation's Directory.__root__ model uses, not a
// {"children": ...} envelope. The replaces query parameter names the
// missing_ref of a failed attempt this call is retrying.
func (s *Server) handleDirectoryDef(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	var children map[string]protocol.Inode
	if err := json.NewDecoder(r.Body).Decode(&children); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed directory body: %v", protocol.InvalidArgumentsError, err))
		return
	}
	var replaces *uuid.UUID
	if raw := r.URL.Query().Get("replaces"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: malformed replaces %q", protocol.InvalidArgumentsError, raw))
			return
		}
		replaces = &id
	}
	response, err := bs.DirectoryDef(r.Context(), protocol.Directory{Children: children}, replaces)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleUploadFile reads the uploaded chunk from the "file" multipart
// field, matching fastapi.UploadFile on the reference server and the
// files={'file': ...} request body the reference client sends.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	query := r.URL.Query()
	resumeID, err := uuid.Parse(query.Get("resume_id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed resume_id", protocol.InvalidArgumentsError))
		return
	}
	resumeFrom, _ := strconv.ParseInt(query.Get("resume_from"), 10, 64)
	isComplete := true
	if raw := query.Get("is_complete"); raw != "" {
		isComplete, _ = strconv.ParseBool(raw)
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: missing file part: %v", protocol.InvalidArgumentsError, err))
		return
	}
	defer file.Close()

	digest, err := bs.UploadFileContent(r.Context(), resumeID, resumeFrom, isComplete, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, digest)
}

func (s *Server) handleFilePartialSize(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	resumeID, err := uuid.Parse(r.URL.Query().Get("resume_id"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed resume_id", protocol.InvalidArgumentsError))
		return
	}
	size, err := bs.CheckFileUploadSize(r.Context(), resumeID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, size)
}

func (s *Server) handleAddRootDir(w http.ResponseWriter, r *http.Request, bs session.BackupSession) {
	var inode protocol.Inode
	if err := json.NewDecoder(r.Body).Decode(&inode); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed inode body: %v", protocol.InvalidArgumentsError, err))
		return
	}
	if err := bs.AddRootDir(r.Context(), r.PathValue("root_dir_name"), inode); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseTimeParam accepts the handful of ISO-8601 shapes a client is
// likely to send for a query or path timestamp.
func parseTimeParam(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: malformed timestamp %q", protocol.InvalidArgumentsError, raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError encodes err as the {"name","message"} envelope, matching
// server/app.py's exception_handler: an *protocol.Error carries its own
// status and text verbatim, anything else becomes an internal error:
// the error is logged and the wire message is generic.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		s.logger.Printf("error: uncaught error handling %s %s: %v", r.Method, r.URL.Path, err)
		perr = protocol.NewError(protocol.ErrInternal, "internal server error")
	} else {
		s.logger.Printf("debug: %s %s -> %s: %s", r.Method, r.URL.Path, perr.Kind, perr.Message)
	}
	body, marshalErr := perr.MarshalEnvelope()
	if marshalErr != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.Kind.HTTPStatus())
	_, _ = w.Write(body)
}
