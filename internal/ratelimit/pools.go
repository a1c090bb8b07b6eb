package ratelimit

import "time"

// Pool names correspond to operation classes on the gateway.
const (
	PoolDefault        = "default"
	PoolToolInvocation = "tool_invocation"
	PoolResourceRead   = "resource_read"
)

// Pools groups the three independently configured limiters so that tool
// calls cannot starve resource reads or vice versa.
type Pools struct {
	Default        *Limiter
	ToolInvocation *Limiter
	ResourceRead   *Limiter
}

// PoolsConfig configures all three pools.
type PoolsConfig struct {
	Default        Config
	ToolInvocation Config
	ResourceRead   Config
}

// DefaultPoolsConfig returns the stock pool settings: tool invocations are
// the most restrictive, resource reads the most permissive.
func DefaultPoolsConfig() PoolsConfig {
	return PoolsConfig{
		Default:        Config{MaxRequests: 60, Window: time.Minute},
		ToolInvocation: Config{MaxRequests: 30, Window: time.Minute},
		ResourceRead:   Config{MaxRequests: 120, Window: time.Minute},
	}
}

// NewPools constructs the three limiters. Zero-valued pool configs pick up
// the stock settings.
func NewPools(cfg PoolsConfig) *Pools {
	defaults := DefaultPoolsConfig()
	if cfg.Default.MaxRequests <= 0 {
		cfg.Default = defaults.Default
	}
	if cfg.ToolInvocation.MaxRequests <= 0 {
		cfg.ToolInvocation = defaults.ToolInvocation
	}
	if cfg.ResourceRead.MaxRequests <= 0 {
		cfg.ResourceRead = defaults.ResourceRead
	}
	return &Pools{
		Default:        New(cfg.Default),
		ToolInvocation: New(cfg.ToolInvocation),
		ResourceRead:   New(cfg.ResourceRead),
	}
}

// ForPool returns the limiter for the named pool, falling back to the
// default pool for unknown names.
func (p *Pools) ForPool(name string) *Limiter {
	switch name {
	case PoolToolInvocation:
		return p.ToolInvocation
	case PoolResourceRead:
		return p.ResourceRead
	default:
		return p.Default
	}
}

// Cleanup sweeps all pools and reports total evicted identities.
func (p *Pools) Cleanup() int {
	return p.Default.Cleanup() + p.ToolInvocation.Cleanup() + p.ResourceRead.Cleanup()
}
