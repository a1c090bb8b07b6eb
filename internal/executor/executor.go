package executor

import (
	"context"

	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

// ExecuteRequest is one tool invocation routed to a worker service.
type ExecuteRequest struct {
	ModuleID  string                 `json:"module_id"`
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`

	// UserID names the identity the call acts for; workers use it to pick
	// per-user credentials.
	UserID string `json:"user_id"`
}

// Executor dispatches tool calls and serves tool listings. The gateway is
// responsible for access control before calling Execute.
type Executor interface {
	// ListTools returns the tool definitions for the given modules.
	ListTools(ctx context.Context, moduleIDs []string) ([]mcp.Tool, error)

	// Execute runs one tool call and returns its result. Worker-reported
	// tool failures come back as a ToolResult with IsError set, not as an
	// error return.
	Execute(ctx context.Context, req ExecuteRequest) (*mcp.ToolResult, error)

	// Close releases transport resources.
	Close() error
}
