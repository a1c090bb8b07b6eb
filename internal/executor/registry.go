// Package executor dispatches gateway tool calls to the module worker
// services over RabbitMQ RPC.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

// Module describes one tool-execution worker: the queue it consumes from
// and the tools it serves.
type Module struct {
	ID    string
	Name  string
	Queue string
	Tools []mcp.Tool
}

// Registry is the static module catalogue, loaded from gateway config. It
// backs scope-to-module resolution and tool routing.
type Registry struct {
	modules  []Module
	byID     map[string]*Module
	toolHome map[string]*Module
}

// NewRegistry builds a registry from the configured modules. Module IDs and
// tool names must be unique.
func NewRegistry(modules []Module) (*Registry, error) {
	r := &Registry{
		modules:  modules,
		byID:     make(map[string]*Module, len(modules)),
		toolHome: make(map[string]*Module),
	}
	for i := range r.modules {
		m := &r.modules[i]
		if m.ID == "" || m.Queue == "" {
			return nil, fmt.Errorf("module %q: id and queue are required", m.ID)
		}
		if _, dup := r.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate module id %q", m.ID)
		}
		r.byID[m.ID] = m
		for _, tool := range m.Tools {
			if home, dup := r.toolHome[tool.Name]; dup {
				return nil, fmt.Errorf("tool %q declared by both %q and %q", tool.Name, home.ID, m.ID)
			}
			r.toolHome[tool.Name] = m
		}
	}
	return r, nil
}

// ListAvailableModuleIDs satisfies the scope mapper's module lister.
func (r *Registry) ListAvailableModuleIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(r.modules))
	for _, m := range r.modules {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Modules returns the configured modules in declaration order.
func (r *Registry) Modules() []Module {
	return r.modules
}

// Module returns the module by ID, or nil.
func (r *Registry) Module(id string) *Module {
	return r.byID[id]
}

// ModuleForTool resolves the module that serves the named tool. Tools may
// also be addressed as "module.tool", which wins over the flat lookup.
func (r *Registry) ModuleForTool(name string) (*Module, string) {
	if moduleID, tool, ok := strings.Cut(name, "."); ok {
		if m := r.byID[moduleID]; m != nil {
			return m, tool
		}
	}
	if m := r.toolHome[name]; m != nil {
		return m, name
	}
	return nil, ""
}
