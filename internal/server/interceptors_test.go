package server_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/server"
)

func TestAdminServerLogsRequests(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	_, handler := server.New(server.Config{
		FIB:    &fib.Table{},
		RIB:    rib.New(logger),
		Logger: logger,
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/routes")
	if err != nil {
		t.Fatalf("GET /routes: %v", err)
	}
	resp.Body.Close()

	if !strings.Contains(buf.String(), "admin request completed") {
		t.Errorf("log output = %q, want a completion log line", buf.String())
	}
}

func TestAdminServerUnknownPathIs404(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	_, handler := server.New(server.Config{
		FIB:    &fib.Table{},
		RIB:    rib.New(logger),
		Logger: logger,
	})

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
