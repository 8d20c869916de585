package protocol

import (
	"encoding/json"
	"net/http"
)

// ErrorKind is the closed set of error kinds that can cross the wire
// between a hashback client and server.
type ErrorKind string

const (
	ErrNotFound            ErrorKind = "not_found"
	ErrDuplicateBackup     ErrorKind = "duplicate_backup"
	ErrAlreadyExists       ErrorKind = "already_exists"
	ErrSessionClosed       ErrorKind = "session_closed"
	ErrInvalidArguments    ErrorKind = "invalid_arguments"
	ErrProtocolError       ErrorKind = "protocol_error"
	ErrInvalidResponse     ErrorKind = "invalid_response"
	ErrInternal            ErrorKind = "internal"
	ErrAuthenticationFailed ErrorKind = "authentication_failed"
)

// httpStatus maps each error kind to the HTTP status the spec's carrier
// uses; kept private since the shard/HTTP mapping is a carrier detail,
// not part of the wire envelope itself.
var httpStatus = map[ErrorKind]int{
	ErrNotFound:             http.StatusNotFound,
	ErrSessionClosed:        http.StatusGone,
	ErrDuplicateBackup:      http.StatusConflict,
	ErrInvalidArguments:     http.StatusUnprocessableEntity,
	ErrInternal:             http.StatusInternalServerError,
	ErrProtocolError:        http.StatusBadRequest,
	ErrInvalidResponse:      http.StatusBadGateway,
	ErrAuthenticationFailed: http.StatusUnauthorized,
	ErrAlreadyExists:        http.StatusConflict,
}

// HTTPStatus returns the status code a hashback HTTP server should use
// to carry this error kind, defaulting to 500 for unrecognised kinds.
func (k ErrorKind) HTTPStatus() int {
	if status, ok := httpStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// KindFromHTTPStatus reverses HTTPStatus for a client decoding a
// response that carried no body.
func KindFromHTTPStatus(status int) ErrorKind {
	for kind, code := range httpStatus {
		if code == status {
			return kind
		}
	}
	return ErrInternal
}

// Error is a closed-taxonomy error that round-trips across the wire as
// {"name": "<ErrorKind>", "message": "<string>"}.
type Error struct {
	Kind    ErrorKind `json:"name"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is allows errors.Is(err, protocol.NotFoundError) style matching
// against a kind sentinel created with NewError(kind, "").
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// NewError constructs a protocol error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Sentinels for errors.Is comparisons against a specific kind,
// independent of message text.
var (
	NotFoundError            = NewError(ErrNotFound, "")
	DuplicateBackupError     = NewError(ErrDuplicateBackup, "")
	AlreadyExistsError       = NewError(ErrAlreadyExists, "")
	SessionClosedError       = NewError(ErrSessionClosed, "")
	InvalidArgumentsError    = NewError(ErrInvalidArguments, "")
	ProtocolError            = NewError(ErrProtocolError, "")
	InvalidResponseError     = NewError(ErrInvalidResponse, "")
	InternalError            = NewError(ErrInternal, "")
	AuthenticationFailedError = NewError(ErrAuthenticationFailed, "")
)

// MarshalEnvelope encodes e as the wire envelope bytes.
func (e *Error) MarshalEnvelope() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes the wire envelope bytes into an *Error. If the
// bytes don't parse as the envelope, an ErrInvalidResponse error with a
// fixed message is returned instead (the parse failure itself is not
// kept), per spec §7's invalid_response kind ("client could not parse a
// server reply").
func ParseEnvelope(data []byte) *Error {
	var e Error
	if err := json.Unmarshal(data, &e); err != nil || e.Kind == "" {
		return NewError(ErrInvalidResponse, "could not parse server error response")
	}
	return &e
}
