package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/autocash/internal/auth"
	"github.com/onnwee/autocash/internal/config"
)

const testJWTSecret = "an-admin-secret-that-is-long-enough-for-tests"

func testConfig(port int) *config.Config {
	return &config.Config{
		Port:               port,
		Env:                "development",
		HashSalt:           "a-salt-of-sixteen-chars",
		DataRetentionDays:  90,
		ConsentTTLDays:     365,
		ExportLinkTTL:      time.Hour,
		RetentionInterval:  time.Hour,
		AdminJWTSecret:     testJWTSecret,
		RateLimitPerMinute: 1000,
		KillSwitchEnabled:  true,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// TestNewApp_InMemory wires the full stack without external services and
// drives a request through each surface.
func TestNewApp_InMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), testConfig(0), logger)
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	defer a.close()

	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	token, err := auth.NewJWTService(testJWTSecret).GenerateAdminToken("ops@autocash", time.Hour)
	if err != nil {
		t.Fatalf("GenerateAdminToken() error = %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		admin  bool
		status int
	}{
		{name: "health", method: http.MethodGet, path: "/health", status: http.StatusOK},
		{name: "ready", method: http.MethodGet, path: "/ready", status: http.StatusOK},
		{name: "track view", method: http.MethodPost, path: "/api/tracking/event", body: `{"event_type":"view","article_slug":"hello"}`, status: http.StatusCreated},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK},
		{name: "admin without token", method: http.MethodGet, path: "/api/admin/status", status: http.StatusUnauthorized},
		{name: "admin status", method: http.MethodGet, path: "/api/admin/status", admin: true, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req, err := http.NewRequest(tt.method, srv.URL+tt.path, body)
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tt.admin {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				b, _ := io.ReadAll(resp.Body)
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, b)
			}
		})
	}
}

func TestNewApp_RejectsShortSalt(t *testing.T) {
	cfg := testConfig(0)
	cfg.HashSalt = "short"
	if _, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("newApp() expected error for short salt")
	}
}

func TestNewApp_InvalidRedisURL(t *testing.T) {
	cfg := testConfig(0)
	cfg.RedisURL = "not a url"
	if _, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("newApp() expected error for invalid redis url")
	}
}

// TestRun_GracefulShutdown starts the real server, serves a request, then
// cancels the context and checks run returns cleanly.
func TestRun_GracefulShutdown(t *testing.T) {
	port := freePort(t)

	var logBuf safeBuffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(port), logger) }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/health"
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	resp.Body.Close()
	if health["status"] != "healthy" {
		t.Errorf("health status = %v, want healthy", health["status"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down in time")
	}

	logs := logBuf.String()
	for _, want := range []string{"starting server", "shutting down server...", "server stopped"} {
		if !strings.Contains(logs, want) {
			t.Errorf("logs missing %q", want)
		}
	}

	if _, err := http.Get(url); err == nil {
		t.Error("expected connection error after shutdown")
	}
}

func TestRun_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, testConfig(port), logger); err == nil {
		t.Fatal("run() expected error when port is taken")
	}
}

// safeBuffer is a bytes.Buffer guarded for concurrent log writes.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
