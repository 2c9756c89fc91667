package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tanagram/mcpbridge/internal/jsonrpc"
	"github.com/tanagram/mcpbridge/internal/proxy"
	"github.com/tanagram/mcpbridge/internal/session"
)

// proxyErrorResponse maps a Proxy Core error to the HTTP status and, where
// applicable, the JSON-RPC error body the front-end replies with, per §7's
// propagation policy: HTTP-level errors never carry a JSON-RPC envelope, while
// invalid-request/session errors are answered as ordinary 200 JSON-RPC error
// responses so a well-formed envelope always gets a well-formed reply.
func proxyErrorResponse(id json.RawMessage, err error) (status int, body *jsonrpc.Message) {
	switch {
	case errors.Is(err, proxy.ErrEndpointUnknown):
		return http.StatusNotFound, nil
	case errors.Is(err, proxy.ErrSessionIDNotAllowed):
		msg := jsonrpc.NewError(id, jsonrpc.CodeInvalidRequest, "initialize must not carry a session id")
		return http.StatusOK, &msg
	case errors.Is(err, proxy.ErrSessionIDRequired), errors.Is(err, proxy.ErrSessionNotFound):
		msg := jsonrpc.NewError(id, jsonrpc.CodeSessionNotFound, "session not found")
		return http.StatusOK, &msg
	case errors.Is(err, proxy.ErrSpawnFailed):
		msg := jsonrpc.NewError(id, jsonrpc.CodeInternalError, "failed to start subprocess")
		return http.StatusOK, &msg
	case errors.Is(err, proxy.ErrSubprocessUnavailable):
		msg := jsonrpc.NewError(id, jsonrpc.CodeProcessCrashed, "subprocess is not running")
		return http.StatusOK, &msg
	case errors.Is(err, session.ErrResourceExhausted):
		msg := jsonrpc.NewError(id, jsonrpc.CodeServerError, "too many active sessions")
		return http.StatusOK, &msg
	default:
		msg := jsonrpc.NewError(id, jsonrpc.CodeInternalError, "internal error")
		return http.StatusOK, &msg
	}
}
