package httpserver

import (
	"net/http"

	"golang.org/x/net/http2"
)

// ListenAndServeTLS configures handler's http.Server for HTTP/2 before
// serving TLS on addr. HTTP/2's stream multiplexing benefits the
// chunked upload_file_content path in particular, where many small
// resumed requests would otherwise each pay a new-connection cost
// under HTTP/1.1's one-request-per-connection-at-a-time model.
func ListenAndServeTLS(addr, certFile, keyFile string, handler http.Handler) error {
	httpSrv := &http.Server{Addr: addr, Handler: handler}
	if err := http2.ConfigureServer(httpSrv, &http2.Server{}); err != nil {
		return err
	}
	return httpSrv.ListenAndServeTLS(certFile, keyFile)
}
