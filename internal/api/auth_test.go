package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func postProcess(srv *Server, token, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/process", strings.NewReader("bytes"))
	req.Header.Set("Content-Type", "application/pdf")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	srv.authMiddleware.RequireAuth(srv.handleProcess)(w, req)
	return w
}

func TestRequireAuthTokens(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.cfg.Security.Enabled = true
	srv.cfg.Security.AllowedTokens = []string{"sekret"}

	// Missing token
	w := postProcess(srv, "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Error("missing WWW-Authenticate header")
	}

	// Wrong token
	if w := postProcess(srv, "nope", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", w.Code)
	}

	// Valid token
	if w := postProcess(srv, "sekret", ""); w.Code != http.StatusAccepted {
		t.Fatalf("good token: expected 202, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequireAuthLocalOnly(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.cfg.Security.RequireLocalOnly = true

	// httptest requests default to a TEST-NET address, which is not local.
	if w := postProcess(srv, "", ""); w.Code != http.StatusForbidden {
		t.Fatalf("remote: expected 403, got %d", w.Code)
	}

	if w := postProcess(srv, "", "127.0.0.1:5555"); w.Code != http.StatusAccepted {
		t.Fatalf("loopback: expected 202, got %d", w.Code)
	}

	if w := postProcess(srv, "", "192.168.1.20:5555"); w.Code != http.StatusAccepted {
		t.Fatalf("rfc1918: expected 202, got %d", w.Code)
	}
}

func TestRequireAuthPassesReadsThrough(t *testing.T) {
	srv, _ := setupTestServer(t)
	srv.cfg.Security.Enabled = true
	srv.cfg.Security.AllowedTokens = []string{"sekret"}

	// GET /queue/stats is not a control endpoint, so no token is needed.
	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	w := httptest.NewRecorder()
	srv.authMiddleware.RequireAuth(srv.routeQueue)(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuditLogRecordsDecisions(t *testing.T) {
	srv, _ := setupTestServer(t)
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")

	srv.cfg.Security.Enabled = true
	srv.cfg.Security.AllowedTokens = []string{"sekret-token-long"}
	srv.cfg.Security.AuditLog = auditPath

	am, err := NewAuthMiddleware(&srv.cfg.Security, testLogger())
	if err != nil {
		t.Fatalf("NewAuthMiddleware: %v", err)
	}
	defer am.Close()
	srv.authMiddleware = am

	postProcess(srv, "wrong", "")
	postProcess(srv, "sekret-token-long", "")

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line: %v", err)
		}
		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(events))
	}
	if events[0].Authorized || events[0].StatusCode != http.StatusUnauthorized {
		t.Errorf("rejected event = %+v", events[0])
	}
	if !events[1].Authorized {
		t.Errorf("authorized event = %+v", events[1])
	}
	if strings.Contains(events[1].Token, "sekret-token-long") {
		t.Error("audit log leaked the full token")
	}
}

func TestTruncateToken(t *testing.T) {
	if got := truncateToken("abcd1234efgh"); got != "abcd****" {
		t.Errorf("long token = %q", got)
	}
	if got := truncateToken("short"); got != "*****" {
		t.Errorf("short token = %q", got)
	}
	if got := truncateToken(""); got != "" {
		t.Errorf("empty token = %q", got)
	}
}

func TestIsLocalRequest(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:1234":   true,
		"[::1]:1234":       true,
		"10.0.0.5:80":      true,
		"192.168.1.1:9":    true,
		"172.16.0.9:443":   true,
		"8.8.8.8:53":       false,
		"192.0.2.1:1234":   false,
		"not-an-addr":      false,
		"203.0.113.7:8080": false,
	}
	for addr, want := range cases {
		if got := isLocalRequest(addr); got != want {
			t.Errorf("isLocalRequest(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := extractToken(req); got != "" {
		t.Errorf("no header = %q", got)
	}

	req.Header.Set("Authorization", "Bearer tok123")
	if got := extractToken(req); got != "tok123" {
		t.Errorf("bearer = %q", got)
	}

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := extractToken(req); got != "" {
		t.Errorf("basic = %q", got)
	}
}

func TestIsControlEndpoint(t *testing.T) {
	controls := [][2]string{
		{http.MethodPost, "/process"},
		{http.MethodPost, "/queue/claim"},
		{http.MethodPost, "/queue/abc123/submit"},
	}
	for _, c := range controls {
		if !isControlEndpoint(c[0], c[1]) {
			t.Errorf("%s %s should be a control endpoint", c[0], c[1])
		}
	}

	open := [][2]string{
		{http.MethodGet, "/process"},
		{http.MethodGet, "/queue"},
		{http.MethodGet, "/queue/stats"},
		{http.MethodGet, "/health"},
		{http.MethodPost, "/health"},
	}
	for _, c := range open {
		if isControlEndpoint(c[0], c[1]) {
			t.Errorf("%s %s should not be a control endpoint", c[0], c[1])
		}
	}
}
