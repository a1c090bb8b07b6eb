package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MoLOS-App/MoLOS-sub002/internal/executor"
	"github.com/MoLOS-App/MoLOS-sub002/internal/oauth"
	"github.com/MoLOS-App/MoLOS-sub002/internal/ratelimit"
	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

// fakeExecutor serves the registry's static tool listings and echoes calls.
type fakeExecutor struct {
	registry *executor.Registry
	calls    []executor.ExecuteRequest
	fail     bool
}

func (f *fakeExecutor) ListTools(ctx context.Context, moduleIDs []string) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	for _, id := range moduleIDs {
		if m := f.registry.Module(id); m != nil {
			tools = append(tools, m.Tools...)
		}
	}
	return tools, nil
}

func (f *fakeExecutor) Execute(ctx context.Context, req executor.ExecuteRequest) (*mcp.ToolResult, error) {
	f.calls = append(f.calls, req)
	if f.fail {
		return nil, fmt.Errorf("worker unavailable")
	}
	result := mcp.TextResult("ran " + req.Tool + " for " + req.UserID)
	return &result, nil
}

func (f *fakeExecutor) Close() error { return nil }

type gatewayEnv struct {
	gw     *Gateway
	exec   *fakeExecutor
	tokens *oauth.TokenService
	store  *oauth.MemoryStore
}

func newGatewayEnv(t *testing.T, toolCallLimit int) *gatewayEnv {
	t.Helper()

	registry, err := executor.NewRegistry([]executor.Module{
		{ID: "tasks", Name: "Tasks", Queue: "TaskRequests", Tools: []mcp.Tool{
			{Name: "list_tasks", Description: "List tasks"},
		}},
		{ID: "notes", Name: "Notes", Queue: "NoteRequests", Tools: []mcp.Tool{
			{Name: "search_notes", Description: "Search notes"},
		}},
	})
	require.NoError(t, err)

	store := oauth.NewMemoryStore()
	tokens := oauth.NewTokenService(store, 0, 0)
	scopes := oauth.NewScopeMapper(registry)
	auth := NewAuthenticator(tokens, scopes, store)
	exec := &fakeExecutor{registry: registry}

	limits := ratelimit.NewPools(ratelimit.PoolsConfig{
		Default:        ratelimit.Config{MaxRequests: 100, Window: time.Minute},
		ToolInvocation: ratelimit.Config{MaxRequests: toolCallLimit, Window: time.Minute},
		ResourceRead:   ratelimit.Config{MaxRequests: 100, Window: time.Minute},
	})

	gw := New(auth, limits, NewSessionManager(), exec, registry, ServerInfo{Name: "gateway-test", Version: "test"})
	return &gatewayEnv{gw: gw, exec: exec, tokens: tokens, store: store}
}

func (e *gatewayEnv) accessToken(t *testing.T, scopes ...string) string {
	t.Helper()
	secret, _, err := e.tokens.CreateAccessToken(context.Background(), "client-1", "user-1", scopes, "")
	require.NoError(t, err)
	return secret
}

func (e *gatewayEnv) rpc(t *testing.T, token, method string, params interface{}) (*httptest.ResponseRecorder, mcp.Response) {
	t.Helper()
	payload := map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		payload["params"] = params
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.gw.HandleMCP(rec, req)

	var response mcp.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	return rec, response
}

func TestMCPRequiresAuthentication(t *testing.T) {
	env := newGatewayEnv(t, 10)

	rec, response := env.rpc(t, "", "tools/list", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, response.Error)
	assert.Equal(t, mcp.CodeUnauthorized, response.Error.Code)
	// Deliberately generic: no hint at the credential mechanism.
	assert.Equal(t, "unauthorized", response.Error.Message)

	rec, response = env.rpc(t, "mat_bogus", "tools/list", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", response.Error.Message)
}

func TestMCPInitialize(t *testing.T) {
	env := newGatewayEnv(t, 10)
	token := env.accessToken(t, oauth.ScopeUniversal)

	rec, response := env.rpc(t, token, "initialize", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, response.Error)

	result := response.Result.(map[string]interface{})
	assert.Equal(t, mcp.ProtocolVersion, result["protocolVersion"])
}

func TestMCPToolListFilteredByScope(t *testing.T) {
	env := newGatewayEnv(t, 10)

	listTools := func(token string) []interface{} {
		_, response := env.rpc(t, token, "tools/list", nil)
		require.Nil(t, response.Error)
		return response.Result.(map[string]interface{})["tools"].([]interface{})
	}

	universal := listTools(env.accessToken(t, oauth.ScopeUniversal))
	assert.Len(t, universal, 2)

	scoped := listTools(env.accessToken(t, "mcp:tasks"))
	require.Len(t, scoped, 1)
	assert.Equal(t, "list_tasks", scoped[0].(map[string]interface{})["name"])

	none := listTools(env.accessToken(t))
	assert.Empty(t, none)
}

func TestMCPToolCall(t *testing.T) {
	env := newGatewayEnv(t, 10)
	token := env.accessToken(t, "mcp:tasks")

	rec, response := env.rpc(t, token, "tools/call", mcp.ToolCall{
		Name:      "list_tasks",
		Arguments: map[string]interface{}{"status": "open"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, response.Error)

	require.Len(t, env.exec.calls, 1)
	call := env.exec.calls[0]
	assert.Equal(t, "tasks", call.ModuleID)
	assert.Equal(t, "list_tasks", call.Tool)
	assert.Equal(t, "user-1", call.UserID)
	assert.Equal(t, "open", call.Arguments["status"])
}

func TestMCPToolCallOutsideGrantLooksUnknown(t *testing.T) {
	env := newGatewayEnv(t, 10)
	token := env.accessToken(t, "mcp:tasks")

	_, denied := env.rpc(t, token, "tools/call", mcp.ToolCall{Name: "search_notes"})
	require.NotNil(t, denied.Error)

	_, unknown := env.rpc(t, token, "tools/call", mcp.ToolCall{Name: "no_such_tool"})
	require.NotNil(t, unknown.Error)

	// Out-of-grant and nonexistent tools answer with the same error code, so
	// callers cannot probe the module surface.
	assert.Equal(t, unknown.Error.Code, denied.Error.Code)
	assert.Empty(t, env.exec.calls)
}

func TestMCPToolCallExecutorFailure(t *testing.T) {
	env := newGatewayEnv(t, 10)
	env.exec.fail = true
	token := env.accessToken(t, oauth.ScopeUniversal)

	rec, response := env.rpc(t, token, "tools/call", mcp.ToolCall{Name: "list_tasks"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, response.Error)
	assert.Equal(t, mcp.CodeToolError, response.Error.Code)
}

func TestMCPRateLimiting(t *testing.T) {
	env := newGatewayEnv(t, 2)
	token := env.accessToken(t, oauth.ScopeUniversal)
	call := mcp.ToolCall{Name: "list_tasks"}

	for i := 0; i < 2; i++ {
		rec, response := env.rpc(t, token, "tools/call", call)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Nil(t, response.Error)
	}

	rec, response := env.rpc(t, token, "tools/call", call)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, response.Error)
	assert.Equal(t, mcp.CodeRateLimited, response.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// The pools are independent: tools/list still goes through.
	rec, response = env.rpc(t, token, "tools/list", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, response.Error)
}

func TestMCPRejectsMalformedRequests(t *testing.T) {
	env := newGatewayEnv(t, 10)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	env.gw.HandleMCP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	token := env.accessToken(t, oauth.ScopeUniversal)
	_, response := env.rpc(t, token, "bogus/method", nil)
	require.NotNil(t, response.Error)
	assert.Equal(t, mcp.CodeMethodNotFound, response.Error.Code)
}
