// Package httpapi implements the HTTP Front-End: the verb/Accept-header state machine
// that accepts Streamable HTTP requests on per-server endpoints, drives the response
// mode (JSON vs SSE vs 202-Accepted), and attaches/detaches SSE streams, per §4.5.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/tanagram/mcpbridge/internal/config"
	"github.com/tanagram/mcpbridge/internal/jsonrpc"
	"github.com/tanagram/mcpbridge/internal/proxy"
	"github.com/tanagram/mcpbridge/internal/session"
)

// HeaderSessionID is the canonical Streamable HTTP session header name (§4.5).
const HeaderSessionID = "Mcp-Session-Id"

// HeaderRequestID is the log-correlation header tolerated on requests and echoed back,
// generated server-side when the caller did not supply one (§6).
const HeaderRequestID = "X-Request-Id"

// maxBodyBytes bounds a single request body. §8's boundary test requires a 64 KB+
// single message to be accepted, so this is generous headroom above that, not a tight
// cap.
const maxBodyBytes = 8 << 20

// Server is the HTTP Front-End (§4.5).
type Server struct {
	logger    *slog.Logger
	core      *proxy.Core
	registry  *session.Registry
	endpoints map[string]string // URL path -> server name
	auth      config.AuthConfig
	cors      config.CORSConfig
	startedAt time.Time

	// framer is shared by every SSE sink and one-shot SSE response so event ids stay
	// monotone across the whole process, per §4.1.
	framer *jsonrpc.EventFramer
}

// NewServer builds the HTTP Front-End's route table from servers, per §4.5's "each
// ServerConfig gets a path (endpoint or /<name>); if exactly one server is configured,
// /mcp mirrors it" rule.
func NewServer(
	logger *slog.Logger,
	servers []config.ServerConfig,
	core *proxy.Core,
	registry *session.Registry,
	auth config.AuthConfig,
	cors config.CORSConfig,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := make(map[string]string, len(servers)+1)
	for _, srv := range servers {
		endpoints[srv.EndpointPath()] = srv.Name
	}
	if len(servers) == 1 {
		endpoints["/mcp"] = servers[0].Name
	}

	return &Server{
		logger:    logger,
		core:      core,
		registry:  registry,
		endpoints: endpoints,
		auth:      auth,
		cors:      cors,
		startedAt: time.Now(),
		framer:    &jsonrpc.EventFramer{},
	}
}

// ServeHTTP implements http.Handler. It is the single entrypoint for the bridge's HTTP
// surface: CORS, request-id stamping, the two fixed collaborator endpoints, auth, and
// per-server verb dispatch.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = generateRequestID()
	}
	w.Header().Set(HeaderRequestID, requestID)
	logger := s.logger.With(slog.String("request_id", requestID))

	switch r.URL.Path {
	case "/health":
		s.handleHealth(w, r)
		return
	case "/stats":
		if !s.checkAuth(w, r) {
			return
		}
		s.handleStats(w, r)
		return
	}

	serverName, known := s.endpoints[r.URL.Path]
	if !known {
		http.NotFound(w, r)
		return
	}
	if !s.checkAuth(w, r) {
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r, logger, serverName)
	case http.MethodGet:
		s.handleGet(w, r, serverName)
	case http.MethodDelete:
		s.handleDelete(w, r, serverName)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyCORS sets the CORS response headers described in §6, per the configured origin
// allow-list ("*" permits any).
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	allowed := false
	for _, o := range s.cors.AllowedOrigins {
		if o == "*" || o == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id")
	w.Header().Set("Access-Control-Expose-Headers", HeaderSessionID)
}

// checkAuth enforces the optional bearer-token policy (§6). /health never reaches this
// (ServeHTTP returns before calling it); every other endpoint does, including /stats.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if !s.auth.Enabled {
		return true
	}

	authz := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(authz, "Bearer ")
	if !ok || token == "" {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return false
	}

	for _, allowed := range s.auth.AllowTokens {
		if allowed == token {
			return true
		}
	}
	http.Error(w, "unauthorized", http.StatusForbidden)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total":               st.Total,
		"initialized":         st.Initialized,
		"activeLast60Seconds": st.ActiveLast60Seconds,
		"attachedSSE":         st.AttachedSSE,
		"averageQueueLength":  st.AverageQueueLength,
		"oldestCreatedAt":     st.OldestCreatedAt,
		"newestCreatedAt":     st.NewestCreatedAt,
	})
}

// handlePost implements §4.5's POST semantics.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, logger *slog.Logger, serverName string) {
	if !hasContentType(r, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	if !acceptsAny(r, "application/json", "text/event-stream", "*/*") {
		http.Error(w, "Accept must include application/json or text/event-stream", http.StatusNotAcceptable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	msgs, isBatch, err := jsonrpc.Parse(body)
	if err != nil {
		code := jsonrpc.CodeParseError
		if errors.Is(err, jsonrpc.ErrInvalidRequest) {
			code = jsonrpc.CodeInvalidRequest
		}
		errMsg := jsonrpc.NewError(nil, code, err.Error())
		writeJSONBody(w, http.StatusBadRequest, &errMsg, nil)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)

	if isBatch {
		s.respondBatch(w, r, msgs, sessionID, serverName)
		return
	}
	s.respondSingle(w, r, logger, msgs[0], sessionID, serverName)
}

func (s *Server) respondSingle(
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	msg jsonrpc.Message,
	sessionID, serverName string,
) {
	resp, sid, err := s.core.HandleRequest(r.Context(), sessionID, msg, serverName)
	if err != nil {
		status, body := proxyErrorResponse(msg.ID, err)
		if body == nil {
			http.Error(w, err.Error(), status)
			return
		}
		logger.Warn("request failed", slog.Any("err", err))
		writeJSONBody(w, status, body, nil)
		return
	}

	if resp == nil {
		if sid != "" {
			w.Header().Set(HeaderSessionID, sid)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var sidPtr *string
	if sid != "" {
		sidPtr = &sid
	}

	if acceptsAny(r, "text/event-stream") {
		s.writeSingleEventSSE(w, r, logger, *resp, sidPtr)
		return
	}
	writeJSONBody(w, http.StatusOK, resp, sidPtr)
}

func (s *Server) respondBatch(w http.ResponseWriter, r *http.Request, msgs []jsonrpc.Message, sessionID, serverName string) {
	responses, sid, err := s.core.HandleBatch(r.Context(), sessionID, msgs, serverName)
	if err != nil {
		errMsg := jsonrpc.NewError(nil, jsonrpc.CodeInternalError, err.Error())
		writeJSONBody(w, http.StatusOK, &errMsg, nil)
		return
	}

	var sidPtr *string
	if sid != "" {
		sidPtr = &sid
	}

	if len(responses) == 0 {
		if sid != "" {
			w.Header().Set(HeaderSessionID, sid)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if sidPtr != nil {
		w.Header().Set(HeaderSessionID, *sidPtr)
	}
	body, err := jsonrpc.Encode(responses, true)
	if err != nil {
		http.Error(w, "failed to encode batch response", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// writeSingleEventSSE implements §4.5's "upgrade to SSE, emit a single event containing
// the response, and close" POST response mode.
func (s *Server) writeSingleEventSSE(w http.ResponseWriter, r *http.Request, logger *slog.Logger, resp jsonrpc.Message, sid *string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if sid != nil {
		w.Header().Set(HeaderSessionID, *sid)
	}

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("sse upgrade failed", slog.Any("err", err))
		http.Error(w, "failed to upgrade to sse", http.StatusInternalServerError)
		return
	}

	frame, err := s.framer.Frame(resp)
	if err != nil {
		logger.Error("failed to frame sse response", slog.Any("err", err))
		return
	}
	if err := upgraded.Send(frame); err != nil {
		logger.Warn("failed to send single-event sse response", slog.Any("err", err))
		return
	}
	_ = upgraded.Flush()
}

// handleGet implements §4.5's GET semantics (SSE attach).
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, _ string) {
	if !acceptsAny(r, "text/event-stream") {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	if _, ok := s.registry.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	s.handleSSEAttach(w, r, sessionID)
}

// handleDelete implements §4.5's DELETE semantics.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, _ string) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
		return
	}

	s.registry.Destroy(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONBody(w http.ResponseWriter, status int, msg *jsonrpc.Message, sid *string) {
	w.Header().Set("Content-Type", "application/json")
	if sid != nil {
		w.Header().Set(HeaderSessionID, *sid)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// hasContentType reports whether r's Content-Type header matches want, ignoring
// parameters such as charset.
func hasContentType(r *http.Request, want string) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == want
}

// acceptsAny reports whether r's Accept header includes any of wants. A missing Accept
// header is treated as not accepting anything, per §8's "POST without Accept -> 406"
// boundary test.
func acceptsAny(r *http.Request, wants ...string) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		for _, want := range wants {
			if mediaType == want {
				return true
			}
		}
	}
	return false
}

func generateRequestID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b[:])
}
