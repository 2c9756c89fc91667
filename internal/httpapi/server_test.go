package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tanagram/mcpbridge/internal/config"
	"github.com/tanagram/mcpbridge/internal/procsup"
	"github.com/tanagram/mcpbridge/internal/proxy"
	"github.com/tanagram/mcpbridge/internal/session"
)

// echoScript stands in for the echo subprocess fixture from §8's end-to-end
// scenarios: a cooperating peer that replies to initialize with the fixed
// serverInfo and answers any other request carrying a string id with the fixed
// result {"echoed":true} under that id.
const echoScript = `while IFS= read -r line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  method=$(printf '%s' "$line" | sed -n 's/.*"method":"\([^"]*\)".*/\1/p')
  if [ "$method" = "initialize" ]; then
    printf '{"jsonrpc":"2.0","id":"%s","result":{"protocolVersion":"2025-03-26","capabilities":{"tools":true},"serverInfo":{"name":"echo","version":"1.0.0"}}}\n' "$id"
  elif [ -n "$id" ]; then
    printf '{"jsonrpc":"2.0","id":"%s","result":{"echoed":true}}\n' "$id"
  fi
done`

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	sup := procsup.New(nil, 0, 10*time.Millisecond)
	reg := session.New(nil, time.Hour, 10)
	servers := []config.ServerConfig{{Name: "echo", Command: "sh", Args: []string{"-c", echoScript}}}
	core := proxy.New(nil, servers, sup, reg, 2*time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)

	srv := NewServer(nil, servers, core, reg, config.AuthConfig{}, config.CORSConfig{AllowedOrigins: []string{"*"}})
	return srv, func() {
		cancel()
		sup.KillAll()
	}
}

func doInitialize(t *testing.T, srv *Server) (sessionID string, rec *httptest.ResponseRecorder) {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":"i1","method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"t","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec.Header().Get(HeaderSessionID), rec
}

func TestInitializeRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sid, rec := doInitialize(t, srv)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if sid == "" {
		t.Fatalf("expected Mcp-Session-Id header to be set")
	}

	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded["id"] != "i1" {
		t.Errorf("expected id i1, got %v", decoded["id"])
	}
	result, _ := decoded["result"].(map[string]any)
	serverInfo, _ := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "echo" {
		t.Errorf("expected serverInfo.name echo, got %+v", result)
	}
}

func TestSessionScopedCall(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sid, _ := doInitialize(t, srv)

	body := `{"jsonrpc":"2.0","id":"t1","method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderSessionID, sid)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if decoded["id"] != "t1" {
		t.Errorf("expected id t1, got %v", decoded["id"])
	}
}

func TestBatchInitializeThenNotification(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := `[{"jsonrpc":"2.0","id":"i1","method":"initialize","params":{}},{"jsonrpc":"2.0","method":"notifications/initialized"}]`
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var decoded []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode batch response: %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("expected a single-element array, got %d elements", len(decoded))
	}
	if decoded[0]["id"] != "i1" {
		t.Errorf("expected id i1, got %v", decoded[0]["id"])
	}
}

func TestDeleteThenPostYieldsSessionNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sid, _ := doInitialize(t, srv)

	delReq := httptest.NewRequest(http.MethodDelete, "/echo", nil)
	delReq.Header.Set(HeaderSessionID, sid)
	delRec := httptest.NewRecorder()
	srv.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delRec.Code)
	}

	body := `{"jsonrpc":"2.0","id":"t1","method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderSessionID, sid)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (JSON-RPC error envelope), got %d", rec.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	errObj, _ := decoded["error"].(map[string]any)
	if code, _ := errObj["code"].(float64); int(code) != -32001 {
		t.Errorf("expected code -32001, got %v", errObj["code"])
	}
}

func TestDeleteOfUnknownSessionStillReturns204(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodDelete, "/echo", nil)
	req.Header.Set(HeaderSessionID, "bogus")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestDeleteWithoutSessionIDReturns400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodDelete, "/echo", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetWithoutSessionIDReturns400(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetWithUnknownSessionIDReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/echo", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(HeaderSessionID, "bogus")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPostWithoutAcceptReturns406(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", rec.Code)
	}
}

func TestPostWithWrongContentTypeReturns415(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestZeroLengthBatchIsInvalidRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`[]`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWrongVerbReturns405WithAllowHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPut, "/echo", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec.Header().Get("Allow") != "POST, GET, DELETE" {
		t.Errorf("expected Allow header, got %q", rec.Header().Get("Allow"))
	}
}

func TestHealthIsAlwaysPublic(t *testing.T) {
	sup := procsup.New(nil, 0, 10*time.Millisecond)
	reg := session.New(nil, time.Hour, 10)
	servers := []config.ServerConfig{{Name: "echo", Command: "sh", Args: []string{"-c", echoScript}}}
	core := proxy.New(nil, servers, sup, reg, 2*time.Second, time.Second)
	defer sup.KillAll()

	srv := NewServer(nil, servers, core, reg, config.AuthConfig{Enabled: true, AllowTokens: []string{"secret"}}, config.CORSConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthRequiredReturns401ThenForbiddenForBadToken(t *testing.T) {
	sup := procsup.New(nil, 0, 10*time.Millisecond)
	reg := session.New(nil, time.Hour, 10)
	servers := []config.ServerConfig{{Name: "echo", Command: "sh", Args: []string{"-c", echoScript}}}
	core := proxy.New(nil, servers, sup, reg, 2*time.Second, time.Second)
	defer sup.KillAll()

	srv := NewServer(nil, servers, core, reg, config.AuthConfig{Enabled: true, AllowTokens: []string{"secret"}}, config.CORSConfig{})

	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{}`))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Accept", "application/json")
	req2.Header.Set("Authorization", "Bearer wrong")
	rec2 := httptest.NewRecorder()
	srv.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec2.Code)
	}
}

func TestSingleServerMirrorsMcpPath(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := `{"jsonrpc":"2.0","id":"i1","method":"initialize","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestStatsReportsTotals(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	doInitialize(t, srv)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if total, _ := decoded["total"].(float64); total != 1 {
		t.Errorf("expected total 1, got %v", decoded["total"])
	}
}
