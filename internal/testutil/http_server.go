package testutil

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func startIPv4(ln net.Listener, handler http.Handler) *httptest.Server {
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv
}

// NewHTTPServer starts an httptest server on 127.0.0.1, falling back to the
// default listener when IPv4 loopback is unavailable.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return httptest.NewServer(handler)
	}
	return startIPv4(ln, handler)
}

// NewHTTPServerT starts an httptest server on 127.0.0.1, skips the test when
// binding fails, and closes the server on cleanup.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	srv := startIPv4(ln, handler)
	t.Cleanup(srv.Close)
	return srv
}
