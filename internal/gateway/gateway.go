// Package gateway is the permissioned JSON-RPC front door for the tool
// surface: it authenticates credentials, applies rate limits, resolves
// module access, and dispatches to the tool-execution services.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/MoLOS-App/MoLOS-sub002/internal/executor"
	"github.com/MoLOS-App/MoLOS-sub002/internal/ratelimit"
	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

// ServerInfo names the gateway in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Gateway handles the MCP protocol surface: POST /mcp for JSON-RPC and
// GET /sse for the event stream.
type Gateway struct {
	authenticator *Authenticator
	limits        *ratelimit.Pools
	sessions      *SessionManager
	executor      executor.Executor
	registry      *executor.Registry
	info          ServerInfo
}

// New wires the protocol gateway.
func New(authenticator *Authenticator, limits *ratelimit.Pools, sessions *SessionManager, exec executor.Executor, registry *executor.Registry, info ServerInfo) *Gateway {
	return &Gateway{
		authenticator: authenticator,
		limits:        limits,
		sessions:      sessions,
		executor:      exec,
		registry:      registry,
		info:          info,
	}
}

// HandleMCP processes one JSON-RPC request over HTTP POST.
func (g *Gateway) HandleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPC(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "could not read request body"))
		return
	}
	var request mcp.Request
	if err := json.Unmarshal(body, &request); err != nil {
		writeRPC(w, http.StatusBadRequest, mcp.NewErrorResponse(nil, mcp.CodeParseError, "invalid JSON"))
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		writeRPC(w, http.StatusBadRequest, mcp.NewErrorResponse(request.ID, mcp.CodeInvalidRequest, "invalid JSON-RPC request"))
		return
	}

	access, err := g.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"), r.Header.Get("Mcp-Session-Id"))
	if err != nil {
		writeRPC(w, http.StatusUnauthorized, mcp.NewErrorResponse(request.ID, mcp.CodeUnauthorized, "unauthorized"))
		return
	}

	limiter := g.limits.ForPool(poolForMethod(request.Method))
	decision := limiter.Check(access.CredentialID)
	writeRateHeaders(w, decision)
	if !decision.Allowed {
		writeRPC(w, http.StatusTooManyRequests, mcp.NewErrorResponse(request.ID, mcp.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSeconds(decision))))
		return
	}

	response := g.dispatch(r.Context(), access, &request)
	writeRPC(w, http.StatusOK, response)
}

// poolForMethod classifies methods into limiter pools so tool calls cannot
// starve resource reads or vice versa.
func poolForMethod(method string) string {
	switch {
	case method == "tools/call":
		return ratelimit.PoolToolInvocation
	case strings.HasPrefix(method, "resources/"):
		return ratelimit.PoolResourceRead
	default:
		return ratelimit.PoolDefault
	}
}

func (g *Gateway) dispatch(ctx context.Context, access *AccessContext, request *mcp.Request) mcp.Response {
	switch request.Method {
	case "initialize":
		return g.handleInitialize(request)
	case "notifications/initialized", "ping":
		return mcp.NewResponse(request.ID, map[string]interface{}{})
	case "tools/list":
		return g.handleListTools(ctx, access, request)
	case "tools/call":
		return g.handleToolCall(ctx, access, request)
	default:
		return mcp.NewErrorResponse(request.ID, mcp.CodeMethodNotFound, "Method not found: "+request.Method)
	}
}

func (g *Gateway) handleInitialize(request *mcp.Request) mcp.Response {
	return mcp.NewResponse(request.ID, map[string]interface{}{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": g.info,
	})
}

// handleListTools lists only the tools the credential's modules expose.
func (g *Gateway) handleListTools(ctx context.Context, access *AccessContext, request *mcp.Request) mcp.Response {
	moduleIDs := access.AllowedModules
	if access.Unrestricted() {
		var err error
		moduleIDs, err = g.registry.ListAvailableModuleIDs(ctx)
		if err != nil {
			return mcp.NewErrorResponse(request.ID, mcp.CodeInternalError, "could not list modules")
		}
	}

	tools, err := g.executor.ListTools(ctx, moduleIDs)
	if err != nil {
		log.Error().Err(err).Msg("tool listing failed")
		return mcp.NewErrorResponse(request.ID, mcp.CodeInternalError, "could not list tools")
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return mcp.NewResponse(request.ID, map[string]interface{}{"tools": tools})
}

func (g *Gateway) handleToolCall(ctx context.Context, access *AccessContext, request *mcp.Request) mcp.Response {
	var call mcp.ToolCall
	if err := json.Unmarshal(request.Params, &call); err != nil || call.Name == "" {
		return mcp.NewErrorResponse(request.ID, mcp.CodeInvalidParams, "Invalid params")
	}

	module, tool := g.registry.ModuleForTool(call.Name)
	if module == nil {
		return mcp.NewErrorResponse(request.ID, mcp.CodeMethodNotFound, "Unknown tool: "+call.Name)
	}
	if !access.AllowsModule(module.ID) {
		// Same shape as an unknown tool: callers cannot probe which
		// modules exist outside their grant.
		return mcp.NewErrorResponse(request.ID, mcp.CodeMethodNotFound, "Unknown tool: "+call.Name)
	}

	result, err := g.executor.Execute(ctx, executor.ExecuteRequest{
		ModuleID:  module.ID,
		Tool:      tool,
		Arguments: call.Arguments,
		UserID:    access.Identity,
	})
	if err != nil {
		log.Error().Err(err).Str("tool", call.Name).Str("module", module.ID).Msg("tool execution failed")
		return mcp.NewErrorResponse(request.ID, mcp.CodeToolError, "tool execution failed")
	}
	return mcp.NewResponse(request.ID, result)
}

// HandleSSE serves the event stream for one session. The connection is the
// session's single sink until it closes or a reconnect replaces it.
func (g *Gateway) HandleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	access, err := g.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"), sessionIDFromRequest(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sink := newSSESink(w, flusher)
	session := g.sessions.Attach(access.SessionID, access.Identity, sink)
	w.Header().Set("Mcp-Session-Id", session.ID)

	// Tell the client where to post messages for this session.
	_ = sink.Send("endpoint", []byte("/mcp?session_id="+session.ID))

	log.Debug().Str("session_id", session.ID).Str("identity", access.Identity).Msg("sse stream attached")

	select {
	case <-r.Context().Done():
	case <-sink.Done():
	}
	g.sessions.Detach(session.ID, sink)
}

func sessionIDFromRequest(r *http.Request) string {
	if id := r.Header.Get("Mcp-Session-Id"); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

func writeRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	}
}

func retryAfterSeconds(d ratelimit.Decision) int {
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeRPC(w http.ResponseWriter, status int, response mcp.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}
