package oauth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScopesToModules(t *testing.T) {
	mapper := NewScopeMapper(staticModules{"tasks", "notes", "files"})
	ctx := context.Background()

	t.Run("universal scope yields nil sentinel", func(t *testing.T) {
		modules, err := mapper.ScopesToModules(ctx, []string{"mcp:tasks", ScopeUniversal})
		require.NoError(t, err)
		assert.Nil(t, modules)
	})

	t.Run("module scopes resolve", func(t *testing.T) {
		modules, err := mapper.ScopesToModules(ctx, []string{"mcp:tasks", "mcp:notes"})
		require.NoError(t, err)
		assert.Equal(t, []string{"tasks", "notes"}, modules)
	})

	t.Run("unknown and malformed scopes are dropped", func(t *testing.T) {
		modules, err := mapper.ScopesToModules(ctx, []string{"mcp:ghost", "openid", "mcp:", "mcp:tasks"})
		require.NoError(t, err)
		assert.Equal(t, []string{"tasks"}, modules)
	})

	t.Run("empty scopes yield empty non-nil set", func(t *testing.T) {
		modules, err := mapper.ScopesToModules(ctx, nil)
		require.NoError(t, err)
		require.NotNil(t, modules)
		assert.Empty(t, modules)
	})
}

func TestModulesToScopes(t *testing.T) {
	mapper := NewScopeMapper(staticModules{"tasks", "notes"})
	ctx := context.Background()

	t.Run("partial coverage keeps module scopes", func(t *testing.T) {
		scopes, err := mapper.ModulesToScopes(ctx, []string{"tasks"})
		require.NoError(t, err)
		assert.Equal(t, []string{"mcp:tasks"}, scopes)
	})

	t.Run("full coverage collapses to universal", func(t *testing.T) {
		scopes, err := mapper.ModulesToScopes(ctx, []string{"notes", "tasks"})
		require.NoError(t, err)
		assert.Equal(t, []string{ScopeUniversal}, scopes)
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		scopes, err := mapper.ModulesToScopes(ctx, []string{"tasks", "tasks"})
		require.NoError(t, err)
		assert.Equal(t, []string{"mcp:tasks"}, scopes)
	})
}

func TestValidateScopes(t *testing.T) {
	mapper := NewScopeMapper(staticModules{"tasks"})
	ctx := context.Background()

	valid, err := mapper.ValidateScopes(ctx, []string{ScopeUniversal, "mcp:tasks", "mcp:ghost", "profile", "mcp:tasks"})
	require.NoError(t, err)
	assert.Equal(t, []string{ScopeUniversal, "mcp:tasks"}, valid)
}

func TestSplitJoinScopes(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitScopes("  a   b "))
	assert.Empty(t, SplitScopes(""))
	assert.Equal(t, "a b", JoinScopes([]string{"a", "b"}))
}
