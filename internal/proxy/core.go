// Package proxy implements the Proxy Core: the correlation and routing brain that
// mediates between HTTP-side requests and subprocess-side I/O, per §4.4.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tanagram/mcpbridge/internal/config"
	"github.com/tanagram/mcpbridge/internal/jsonrpc"
	"github.com/tanagram/mcpbridge/internal/procsup"
	"github.com/tanagram/mcpbridge/internal/session"
)

// Sentinel errors the HTTP Front-End maps to specific status codes (§4.5, §7).
var (
	ErrEndpointUnknown       = errors.New("proxy: unknown server endpoint")
	ErrSessionIDNotAllowed   = errors.New("proxy: initialize must not carry a session id")
	ErrSessionIDRequired     = errors.New("proxy: session id required")
	ErrSessionNotFound       = errors.New("proxy: session not found or expired")
	ErrSpawnFailed           = errors.New("proxy: failed to spawn subprocess")
	ErrSubprocessUnavailable = errors.New("proxy: subprocess not running")
)

type waiter struct {
	ch           chan jsonrpc.Message
	isInitialize bool
}

// Core is the Proxy Core (§4.4).
type Core struct {
	logger             *slog.Logger
	servers            []config.ServerConfig
	supervisor         *procsup.Supervisor
	registry           *session.Registry
	correlationTimeout time.Duration
	batchTimeout       time.Duration

	waitersMu sync.Mutex
	waiters   map[string]map[string]*waiter
}

// New creates a Proxy Core wired to supervisor and registry.
func New(
	logger *slog.Logger,
	servers []config.ServerConfig,
	supervisor *procsup.Supervisor,
	registry *session.Registry,
	correlationTimeout, batchTimeout time.Duration,
) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		logger:             logger,
		servers:            servers,
		supervisor:         supervisor,
		registry:           registry,
		correlationTimeout: correlationTimeout,
		batchTimeout:       batchTimeout,
		waiters:            make(map[string]map[string]*waiter),
	}
}

// Run dispatches supervisor and registry events until ctx is done. It must be started
// exactly once, in its own goroutine, by the entrypoint.
func (c *Core) Run(ctx context.Context) {
	supEvents := c.supervisor.Events()
	regEvents := c.registry.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-supEvents:
			c.handleSupervisorEvent(ev)
		case ev := <-regEvents:
			c.handleRegistryEvent(ev)
		}
	}
}

func (c *Core) handleSupervisorEvent(ev procsup.Event) {
	switch ev.Kind {
	case procsup.EventStdout:
		c.handleStdoutLine(ev.HandleID, ev.Line)
	case procsup.EventStderr:
		c.logger.Info("subprocess stderr", slog.String("handle", ev.HandleID), slog.String("line", ev.Line))
	case procsup.EventCrashed:
		if sess, ok := c.registry.GetByHandle(ev.HandleID); ok {
			c.failWaiters(sess.ID, jsonrpc.CodeProcessCrashed, "subprocess crashed")
		}
	case procsup.EventExhausted:
		if sess, ok := c.registry.GetByHandle(ev.HandleID); ok {
			c.failWaiters(sess.ID, jsonrpc.CodeProcessCrashed, "subprocess crashed and exhausted its restart budget")
			c.registry.Destroy(sess.ID)
		}
	case procsup.EventStarted, procsup.EventStopped, procsup.EventRestarted:
		c.logger.Debug("supervisor event", slog.Any("kind", ev.Kind), slog.String("handle", ev.HandleID))
	}
}

func (c *Core) handleRegistryEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSessionDestroyed:
		c.failWaiters(ev.SessionID, jsonrpc.CodeSessionNotFound, "session destroyed")
		if ev.HandleID != "" {
			if err := c.supervisor.Kill(ev.HandleID); err != nil {
				c.logger.Warn("failed to kill subprocess on session destroy", slog.Any("err", err))
			}
		}
	}
}

func (c *Core) handleStdoutLine(handleID, line string) {
	msgs, _, err := jsonrpc.Parse([]byte(line))
	if err != nil {
		c.logger.Warn("failed to parse subprocess stdout line", slog.String("handle", handleID), slog.Any("err", err))
		return
	}

	sess, ok := c.registry.GetByHandle(handleID)
	if !ok {
		c.logger.Warn("stdout line for unknown handle", slog.String("handle", handleID))
		return
	}

	for _, msg := range msgs {
		c.dispatchSubprocessMessage(sess, msg)
	}
}

func (c *Core) dispatchSubprocessMessage(sess *session.Session, msg jsonrpc.Message) {
	if msg.IsResponse() && msg.HasID() {
		if w, ok := c.completeWaiter(sess.ID, msg); ok {
			if w.isInitialize {
				sess.MarkInitialized()
			}
			w.ch <- msg
			return
		}
	}

	if err := sess.Enqueue(msg); err != nil {
		c.logger.Warn("failed to deliver server-initiated message", slog.String("session", sess.ID), slog.Any("err", err))
	}
}

func (c *Core) registerWaiter(sessionID string, id json.RawMessage, isInitialize bool) *waiter {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	m, ok := c.waiters[sessionID]
	if !ok {
		m = make(map[string]*waiter)
		c.waiters[sessionID] = m
	}
	w := &waiter{ch: make(chan jsonrpc.Message, 1), isInitialize: isInitialize}
	m[rawIDKey(id)] = w
	return w
}

func (c *Core) removeWaiter(sessionID string, id json.RawMessage) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	m, ok := c.waiters[sessionID]
	if !ok {
		return
	}
	delete(m, rawIDKey(id))
	if len(m) == 0 {
		delete(c.waiters, sessionID)
	}
}

// completeWaiter looks up (and removes) the waiter matching msg's id for sessionID,
// without delivering to it; the caller delivers after deciding whether to flip the
// initialized flag, so MarkInitialized always happens before the HTTP caller can
// observe the response.
func (c *Core) completeWaiter(sessionID string, msg jsonrpc.Message) (*waiter, bool) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	m, ok := c.waiters[sessionID]
	if !ok {
		return nil, false
	}
	key := rawIDKey(msg.ID)
	w, ok := m[key]
	if !ok {
		return nil, false
	}
	delete(m, key)
	if len(m) == 0 {
		delete(c.waiters, sessionID)
	}
	return w, true
}

// failWaiters wakes every pending waiter for sessionID with a JSON-RPC error of the
// given code, per §4.4 Timeouts and failures / §5 Cancellation.
func (c *Core) failWaiters(sessionID string, code int, message string) {
	c.waitersMu.Lock()
	m := c.waiters[sessionID]
	delete(c.waiters, sessionID)
	c.waitersMu.Unlock()

	for key, w := range m {
		errMsg := jsonrpc.NewError(json.RawMessage(key), code, message)
		select {
		case w.ch <- errMsg:
		default:
		}
	}
}

func rawIDKey(id json.RawMessage) string {
	return string(bytes.TrimSpace(id))
}

// HandleRequest implements §4.4's handleRequest operation for a single message.
// sessionID is the caller-supplied Mcp-Session-Id header value, or "" if absent.
// It returns the response to send (nil for a notification, mapped to HTTP 202), the
// effective session id (set on success so the HTTP layer can echo the header), and an
// error for conditions the HTTP Front-End maps through proxyErrorResponse: an unknown
// endpoint becomes a 404, everything else a 200 carrying a JSON-RPC error.
func (c *Core) HandleRequest(
	ctx context.Context,
	sessionID string,
	msg jsonrpc.Message,
	serverName string,
) (*jsonrpc.Message, string, error) {
	var sess *session.Session

	if msg.IsInitialize() {
		if sessionID != "" {
			return nil, "", ErrSessionIDNotAllowed
		}

		cfg, ok := session.ServerConfigFor(c.servers, serverName)
		if !ok {
			return nil, "", ErrEndpointUnknown
		}

		created, err := c.registry.Create(serverName)
		if err != nil {
			return nil, "", err
		}
		sess = created

		handleID := "session-" + sess.ID
		// The supervisor's restart watcher lives as long as the subprocess, not as
		// long as this request, so it must not be canceled when the request ends.
		if err := c.supervisor.Start(context.WithoutCancel(ctx), handleID, cfg); err != nil {
			c.registry.Destroy(sess.ID)
			return nil, "", fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
		c.registry.BindHandle(sess, handleID)
	} else {
		if sessionID == "" {
			return nil, "", ErrSessionIDRequired
		}
		found, ok := c.registry.Get(sessionID)
		if !ok {
			return nil, "", ErrSessionNotFound
		}
		sess = found
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, sess.ID, fmt.Errorf("proxy: marshal outgoing message: %w", err)
	}
	// The waiter is registered before the write so that a reply arriving immediately
	// is still correlated rather than queued as a server-initiated message.
	var w *waiter
	if msg.NeedsResponse() {
		w = c.registerWaiter(sess.ID, msg.ID, msg.IsInitialize())
	}
	if err := c.supervisor.Write(sess.HandleID, payload); err != nil {
		if w != nil {
			c.removeWaiter(sess.ID, msg.ID)
		}
		return nil, sess.ID, fmt.Errorf("%w: %v", ErrSubprocessUnavailable, err)
	}

	if w == nil {
		return nil, sess.ID, nil
	}

	select {
	case resp := <-w.ch:
		return &resp, sess.ID, nil
	case <-time.After(c.correlationTimeout):
		c.removeWaiter(sess.ID, msg.ID)
		// Upstream-timeout: the session survives; the caller gets a JSON-RPC
		// internal error, not an HTTP-level failure (§4.4, §7).
		errResp := jsonrpc.NewError(msg.ID, jsonrpc.CodeInternalError, "timed out waiting for subprocess response")
		return &errResp, sess.ID, nil
	case <-ctx.Done():
		c.removeWaiter(sess.ID, msg.ID)
		return nil, sess.ID, ctx.Err()
	}
}

// HandleBatch implements §4.4's handleBatch operation: process each entry with
// HandleRequest preserving input order, collecting only non-null responses, within
// batchTimeout; on expiry, return whatever has been collected so far.
func (c *Core) HandleBatch(
	ctx context.Context,
	sessionID string,
	msgs []jsonrpc.Message,
	serverName string,
) ([]jsonrpc.Message, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	responses := make([]jsonrpc.Message, 0, len(msgs))
	effectiveSessionID := sessionID

	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		resp, sid, err := c.HandleRequest(ctx, effectiveSessionID, msg, serverName)
		if sid != "" {
			effectiveSessionID = sid
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			resp = batchElementError(msg, err)
		}
		if resp != nil {
			responses = append(responses, *resp)
		}
	}

	return responses, effectiveSessionID, nil
}

func batchElementError(msg jsonrpc.Message, err error) *jsonrpc.Message {
	code := jsonrpc.CodeInternalError
	switch {
	case errors.Is(err, ErrEndpointUnknown):
		code = jsonrpc.CodeInvalidRequest
	case errors.Is(err, ErrSessionNotFound):
		code = jsonrpc.CodeSessionNotFound
	case errors.Is(err, ErrSessionIDRequired), errors.Is(err, ErrSessionIDNotAllowed):
		code = jsonrpc.CodeInvalidRequest
	}
	id := msg.ID
	if id == nil {
		id = json.RawMessage("null")
	}
	resp := jsonrpc.NewError(id, code, err.Error())
	return &resp
}
