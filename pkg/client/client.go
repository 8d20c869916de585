// Package client implements session.ServerSession and
// session.BackupSession over the HTTP wire protocol pkg/httpserver
// exposes, grounded on http_client.py's BasicAuthClient/ClientSession/
// ClientBackupSession. Every request carries HTTP basic auth; the
// credential store itself remains the caller's concern (spec §1).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"

	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
)

// Config names the server this Client talks to and the basic-auth
// credentials to present.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client

	// UploadRateLimit, if set, caps outbound upload_file_content
	// throughput in bytes/second, matching perkeep proxycache's use of
	// x/time/rate for bandwidth shaping.
	UploadRateLimit *rate.Limiter
}

// Client is the shared HTTP transport underneath every session value
// Login and StartBackup/Resume* return.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
}

// New builds a Client. It does not contact the server -- call Login to
// authenticate and fetch the client's configuration.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		http:     httpClient,
		limiter:  cfg.UploadRateLimit,
	}
}

// ServerVersion fetches the discovery payload from the root endpoint,
// matching BasicAuthClient.server_version.
func (c *Client) ServerVersion(ctx context.Context) (ServerVersion, error) {
	var version ServerVersion
	err := c.doJSON(ctx, http.MethodGet, "/", nil, nil, &version)
	return version, err
}

// ServerVersion mirrors httpserver.ServerVersion's wire shape, defined
// locally so pkg/client need not import pkg/httpserver.
type ServerVersion struct {
	ProtocolVersion string   `json:"protocol_version"`
	ServerType      *string  `json:"server_type,omitempty"`
	ServerVersion   *string  `json:"server_version,omitempty"`
	ServerAuthors   []string `json:"server_authors,omitempty"`
}

// Login authenticates and fetches the caller's client configuration,
// matching ClientSession.create_session.
func (c *Client) Login(ctx context.Context) (session.ServerSession, error) {
	var config protocol.ClientConfiguration
	if err := c.doJSON(ctx, http.MethodGet, "/about-me", nil, nil, &config); err != nil {
		return nil, err
	}
	return &serverSession{client: c, config: config}, nil
}

// doJSON sends body (already-encoded JSON, or nil) to path with query
// and decodes the JSON response into out (skipped when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		reader = bytes.NewReader(body)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, query, reader, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", protocol.InvalidResponseError, err)
	}
	return nil
}

// uploadFile streams content as the "file" part of a multipart/form-data
// body, matching the reference client's files={'file': ...} request.
func (c *Client) uploadFile(ctx context.Context, path string, query url.Values, content io.Reader) (*http.Response, error) {
	content = newLimitedReader(ctx, content, c.limiter)
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", "content")
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return c.do(ctx, http.MethodPost, path, query, pr, mw.FormDataContentType())
}

// do sends one request and returns the raw response on success,
// translating a >=400 reply into the protocol's closed error taxonomy
// via its wire envelope.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	full := c.baseURL + path
	if len(query) > 0 {
		full += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, full, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.SetBasicAuth(c.username, c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.InvalidResponseError, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, parseErrorEnvelope(resp.StatusCode, data)
	}
	return resp, nil
}

func parseErrorEnvelope(status int, data []byte) error {
	if len(data) == 0 {
		return protocol.NewError(protocol.KindFromHTTPStatus(status), fmt.Sprintf("server returned status %d with no body", status))
	}
	return protocol.ParseEnvelope(data)
}
