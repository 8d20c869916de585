package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/couling/hashback/pkg/protocol"
	"github.com/couling/hashback/pkg/session"
)

// ClientResolver opens a ServerSession for one client identifier (name
// or ID), the contract local_database.open_client_session exposes.
type ClientResolver interface {
	OpenClientSession(ctx context.Context, clientIDOrName string) (session.ServerSession, error)
}

// BasicAuth builds an Authenticator around resolver: the basic-auth
// username is the client ID or name, matching
// security.get_client_id. Like the reference server's security module,
// this does not itself check a password -- the credential store is an
// external collaborator the core is deliberately defined without (spec
// §1); a deployment that needs real password verification wraps
// resolver or writes its own Authenticator.
func BasicAuth(resolver ClientResolver) Authenticator {
	return func(r *http.Request, username, _ string) (session.ServerSession, error) {
		sess, err := resolver.OpenClientSession(r.Context(), username)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.AuthenticationFailedError, err)
		}
		return sess, nil
	}
}
