package oauth

import (
	"context"
	"strings"
)

// Scope conventions: module scopes are "mcp:<moduleID>"; ScopeUniversal
// grants access to every installed module.
const (
	ScopePrefix    = "mcp:"
	ScopeUniversal = "mcp:*"
)

// ModuleLister is the collaborator that reports currently installed module
// IDs. The scope mapper depends only on this query, not on any concrete
// module-loading mechanism.
type ModuleLister interface {
	ListAvailableModuleIDs(ctx context.Context) ([]string, error)
}

// ScopeMapper converts between OAuth scope strings and module ID sets.
type ScopeMapper struct {
	modules ModuleLister
}

// NewScopeMapper creates a mapper over the given module registry.
func NewScopeMapper(modules ModuleLister) *ScopeMapper {
	return &ScopeMapper{modules: modules}
}

// ScopesToModules resolves scopes to the module IDs they grant. A nil result
// is the unrestricted sentinel (the universal scope was present); an empty
// non-nil result grants nothing. Unknown or malformed scopes are silently
// dropped — they never escalate privilege and never error.
func (m *ScopeMapper) ScopesToModules(ctx context.Context, scopes []string) ([]string, error) {
	for _, scope := range scopes {
		if scope == ScopeUniversal {
			return nil, nil
		}
	}

	available, err := m.availableSet(ctx)
	if err != nil {
		return nil, err
	}

	allowed := make([]string, 0, len(scopes))
	seen := make(map[string]bool)
	for _, scope := range scopes {
		moduleID, ok := strings.CutPrefix(scope, ScopePrefix)
		if !ok || moduleID == "" {
			continue
		}
		if !available[moduleID] || seen[moduleID] {
			continue
		}
		seen[moduleID] = true
		allowed = append(allowed, moduleID)
	}
	return allowed, nil
}

// ModulesToScopes maps module IDs back to scope strings, collapsing to the
// universal scope when the input covers every available module.
func (m *ScopeMapper) ModulesToScopes(ctx context.Context, moduleIDs []string) ([]string, error) {
	available, err := m.availableSet(ctx)
	if err != nil {
		return nil, err
	}

	covered := make(map[string]bool)
	scopes := make([]string, 0, len(moduleIDs))
	for _, id := range moduleIDs {
		if covered[id] {
			continue
		}
		covered[id] = true
		scopes = append(scopes, ScopePrefix+id)
	}

	if len(available) > 0 {
		all := true
		for id := range available {
			if !covered[id] {
				all = false
				break
			}
		}
		if all {
			return []string{ScopeUniversal}, nil
		}
	}
	return scopes, nil
}

// ValidateScopes filters a requested scope list down to the subset that is
// syntactically valid and resolvable to an installed module, or universal.
func (m *ScopeMapper) ValidateScopes(ctx context.Context, scopes []string) ([]string, error) {
	available, err := m.availableSet(ctx)
	if err != nil {
		return nil, err
	}

	valid := make([]string, 0, len(scopes))
	seen := make(map[string]bool)
	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		if scope == ScopeUniversal {
			seen[scope] = true
			valid = append(valid, scope)
			continue
		}
		moduleID, ok := strings.CutPrefix(scope, ScopePrefix)
		if !ok || !available[moduleID] {
			continue
		}
		seen[scope] = true
		valid = append(valid, scope)
	}
	return valid, nil
}

func (m *ScopeMapper) availableSet(ctx context.Context) (map[string]bool, error) {
	ids, err := m.modules.ListAvailableModuleIDs(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SplitScopes parses a space-delimited scope parameter.
func SplitScopes(raw string) []string {
	return strings.Fields(raw)
}

// JoinScopes renders scopes as a space-delimited parameter.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
