// Package config loads gateway configuration: environment bootstrap (AWS
// Secrets Manager plus .env files) and the YAML gateway config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MoLOS-App/MoLOS-sub002/internal/executor"
	"github.com/MoLOS-App/MoLOS-sub002/internal/ratelimit"
	"github.com/MoLOS-App/MoLOS-sub002/pkg/mcp"
)

// Duration parses YAML duration strings like "30s" or "1m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PoolConfig is one rate-limiter pool in YAML form.
type PoolConfig struct {
	MaxRequests int      `yaml:"max_requests"`
	Window      Duration `yaml:"window"`
}

// ModuleConfig declares one tool-execution module.
type ModuleConfig struct {
	ID    string       `yaml:"id"`
	Name  string       `yaml:"name"`
	Queue string       `yaml:"queue"`
	Tools []ToolConfig `yaml:"tools"`
}

// ToolConfig is the static declaration of a tool a module serves.
type ToolConfig struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	InputSchema map[string]interface{} `yaml:"input_schema"`
}

// GatewayConfig is the YAML config file for the gateway process.
type GatewayConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	ServerName    string `yaml:"server_name"`
	ServerVersion string `yaml:"server_version"`

	AMQPURL    string   `yaml:"amqp_url"`
	RPCTimeout Duration `yaml:"rpc_timeout"`

	// TrustedRedirectHosts skip interactive consent and are matched by
	// origin only. Review before extending.
	TrustedRedirectHosts []string `yaml:"trusted_redirect_hosts"`

	RateLimits struct {
		Default        PoolConfig `yaml:"default"`
		ToolInvocation PoolConfig `yaml:"tool_invocation"`
		ResourceRead   PoolConfig `yaml:"resource_read"`
	} `yaml:"rate_limits"`

	Modules []ModuleConfig `yaml:"modules"`
}

// LoadGatewayConfig reads and validates the YAML config file. Environment
// variables override the listen address and AMQP URL.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if addr := os.Getenv("GATEWAY_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		cfg.AMQPURL = url
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "molos-gateway"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if len(cfg.Modules) == 0 {
		return nil, fmt.Errorf("config declares no modules")
	}
	return &cfg, nil
}

// PoolsConfig converts the YAML rate-limit section.
func (c *GatewayConfig) PoolsConfig() ratelimit.PoolsConfig {
	convert := func(p PoolConfig) ratelimit.Config {
		return ratelimit.Config{MaxRequests: p.MaxRequests, Window: p.Window.Std()}
	}
	return ratelimit.PoolsConfig{
		Default:        convert(c.RateLimits.Default),
		ToolInvocation: convert(c.RateLimits.ToolInvocation),
		ResourceRead:   convert(c.RateLimits.ResourceRead),
	}
}

// ExecutorModules converts the YAML module declarations.
func (c *GatewayConfig) ExecutorModules() []executor.Module {
	modules := make([]executor.Module, 0, len(c.Modules))
	for _, m := range c.Modules {
		tools := make([]mcp.Tool, 0, len(m.Tools))
		for _, t := range m.Tools {
			tools = append(tools, mcp.Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
		modules = append(modules, executor.Module{
			ID:    m.ID,
			Name:  m.Name,
			Queue: m.Queue,
			Tools: tools,
		})
	}
	return modules
}
