// Package config provides configuration for the orchestrator.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/xiaot623/gogo/turnorch/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. TURNORCH_HTTP_PORT.
const EnvPrefix = "TURNORCH"

// Config holds the orchestrator configuration. It is built once at startup
// and passed explicitly to constructors; nothing reads it from global state.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`
	RPCPort  int `mapstructure:"rpc_port"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// Builtin filesystem tools are confined to this directory.
	WorkspaceRoot string `mapstructure:"workspace_root"`

	Log          LogConfig          `mapstructure:"log"`
	Models       ModelsConfig       `mapstructure:"models"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	RAG          RAGConfig          `mapstructure:"rag"`
	Personas     PersonasConfig     `mapstructure:"personas"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	Timeouts     TimeoutsConfig     `mapstructure:"timeouts"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Policy       PolicyConfig       `mapstructure:"policy"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

// ModelsConfig selects the model backend.
type ModelsConfig struct {
	Mode         string   `mapstructure:"mode"` // openai or mock
	BaseURL      string   `mapstructure:"base_url"`
	APIKey       string   `mapstructure:"api_key"`
	DefaultModel string   `mapstructure:"default_model"`
	Fallback     []string `mapstructure:"fallback_models"`
}

// ToolsConfig lists the tool servers.
type ToolsConfig struct {
	Servers []domain.ToolServer `mapstructure:"servers"`
}

// RAGConfig configures retrieval.
type RAGConfig struct {
	Backend            string `mapstructure:"backend"` // local, http or none
	URL                string `mapstructure:"url"`
	TopK               int    `mapstructure:"top_k"`
	ChunkSizeTokens    int    `mapstructure:"chunk_size_tokens"`
	ChunkOverlapTokens int    `mapstructure:"chunk_overlap_tokens"`
	Encoding           string `mapstructure:"encoding"`
}

// PersonasConfig lists personas and the default one.
type PersonasConfig struct {
	DefaultPersonaID string           `mapstructure:"default_persona_id"`
	Personas         []domain.Persona `mapstructure:"personas"`
}

// SecretsConfig carries API keys injected into tool servers.
type SecretsConfig struct {
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// TimeoutsConfig bounds blocking calls.
type TimeoutsConfig struct {
	Model time.Duration `mapstructure:"model"`
	Tool  time.Duration `mapstructure:"tool"`
	Run   time.Duration `mapstructure:"run"`
}

// OrchestratorConfig tunes the turn loop.
type OrchestratorConfig struct {
	MaxToolIterations int `mapstructure:"max_tool_iterations"`
	ModelRetries      int `mapstructure:"model_retries"`
	HistoryLimit      int `mapstructure:"history_limit"`
}

// GatewayConfig tunes tool server connections.
type GatewayConfig struct {
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerRecovery  time.Duration `mapstructure:"breaker_recovery"`
}

// PolicyConfig points at an optional rego file replacing the default tool policy.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("rpc_port", 8081)
	v.SetDefault("database_url", "file:turnorch.db?cache=shared&mode=rwc")
	v.SetDefault("workspace_root", ".")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("models.mode", "openai")
	v.SetDefault("models.base_url", "http://localhost:11434/v1")
	v.SetDefault("models.default_model", "llama3.1")
	v.SetDefault("rag.backend", "local")
	v.SetDefault("rag.top_k", 5)
	v.SetDefault("rag.chunk_size_tokens", 1000)
	v.SetDefault("rag.chunk_overlap_tokens", 200)
	v.SetDefault("rag.encoding", "cl100k_base")
	v.SetDefault("personas.default_persona_id", "default")
	v.SetDefault("timeouts.model", 120*time.Second)
	v.SetDefault("timeouts.tool", 30*time.Second)
	v.SetDefault("timeouts.run", 10*time.Minute)
	v.SetDefault("orchestrator.max_tool_iterations", 8)
	v.SetDefault("orchestrator.model_retries", 1)
	v.SetDefault("orchestrator.history_limit", 200)
	v.SetDefault("gateway.breaker_threshold", 3)
	v.SetDefault("gateway.breaker_recovery", 30*time.Second)
}

// Load reads .env, then the config file (explicit path, or turnorch.yaml in
// . or ./config when path is empty), then TURNORCH_* environment overrides.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("turnorch")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Default returns a configuration with only defaults applied. Used by tests
// and by commands that run without a config file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	cfg.applyFallbacks()
	return cfg
}

func (c *Config) applyFallbacks() {
	if len(c.Tools.Servers) == 0 {
		c.Tools.Servers = []domain.ToolServer{{
			Name:             "filesystem-tools",
			Transport:        domain.TransportBuiltin,
			EnabledByDefault: true,
		}}
	}
	if len(c.Personas.Personas) == 0 {
		c.Personas.Personas = []domain.Persona{{
			ID:           c.Personas.DefaultPersonaID,
			Name:         "Assistant",
			SystemPrompt: "You are a helpful assistant.",
		}}
	}

	// viper lower-cases map keys; key names are matched upper-case.
	keys := make(map[string]string, len(c.Secrets.APIKeys))
	for k, v := range c.Secrets.APIKeys {
		keys[strings.ToUpper(k)] = v
	}
	for _, s := range c.Tools.Servers {
		if !s.RequiresAPIKey {
			continue
		}
		name := strings.ToUpper(s.APIKeyName())
		if _, ok := keys[name]; !ok {
			if val := os.Getenv(s.APIKeyName()); val != "" {
				keys[name] = val
			}
		}
	}
	c.Secrets.APIKeys = keys
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url cannot be empty")
	}
	if c.Models.DefaultModel == "" {
		return errors.New("models.default_model cannot be empty")
	}
	switch c.Models.Mode {
	case "openai", "mock":
	default:
		return errors.Errorf("models.mode %q must be openai or mock", c.Models.Mode)
	}
	switch c.RAG.Backend {
	case "local", "none":
	case "http":
		if c.RAG.URL == "" {
			return errors.New("rag.url is required for the http backend")
		}
	default:
		return errors.Errorf("rag.backend %q must be local, http or none", c.RAG.Backend)
	}
	if c.RAG.TopK < 1 {
		return errors.New("rag.top_k must be at least 1")
	}
	if c.Timeouts.Model <= 0 || c.Timeouts.Tool <= 0 || c.Timeouts.Run <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.Orchestrator.MaxToolIterations < 1 {
		return errors.New("orchestrator.max_tool_iterations must be at least 1")
	}
	if _, ok := c.Persona(c.Personas.DefaultPersonaID); !ok {
		return errors.Errorf("default persona %q not found in personas list", c.Personas.DefaultPersonaID)
	}

	seen := make(map[string]bool)
	for _, s := range c.Tools.Servers {
		if s.Name == "" {
			return errors.New("tool server name cannot be empty")
		}
		if strings.Contains(s.Name, domain.ToolNameSeparator) {
			return errors.Errorf("tool server %q must not contain %q", s.Name, domain.ToolNameSeparator)
		}
		if seen[s.Name] {
			return errors.Errorf("duplicate tool server %q", s.Name)
		}
		seen[s.Name] = true
		if !s.Transport.Valid() {
			return errors.Errorf("tool server %q has unknown transport %q", s.Name, s.Transport)
		}
		switch s.Transport {
		case domain.TransportStdio:
			if s.Command == "" {
				return errors.Errorf("tool server %q is missing a command for stdio transport", s.Name)
			}
		case domain.TransportSSE, domain.TransportStreamableHTTP:
			if s.URL == "" {
				return errors.Errorf("tool server %q is missing a url", s.Name)
			}
		}
	}
	return nil
}

// Persona looks a persona up by id.
func (c *Config) Persona(id string) (domain.Persona, bool) {
	for _, p := range c.Personas.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return domain.Persona{}, false
}

// ToolServer looks a server up by name.
func (c *Config) ToolServer(name string) (domain.ToolServer, bool) {
	for _, s := range c.Tools.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return domain.ToolServer{}, false
}

// DefaultToolServers returns the servers enabled for new sessions.
func (c *Config) DefaultToolServers() []string {
	names := []string{}
	for _, s := range c.Tools.Servers {
		if s.EnabledByDefault {
			names = append(names, s.Name)
		}
	}
	return names
}

// APIKey returns the secret for a key name.
func (c *Config) APIKey(name string) (string, bool) {
	v, ok := c.Secrets.APIKeys[strings.ToUpper(name)]
	return v, ok && v != ""
}

// PublicServer is a tool server without launch details.
type PublicServer struct {
	Name             string           `json:"name"`
	Transport        domain.Transport `json:"transport"`
	RequiresAPIKey   bool             `json:"requires_api_key"`
	EnabledByDefault bool             `json:"enabled_by_default"`
}

// PublicView is the part of the configuration safe to expose to clients.
type PublicView struct {
	DefaultModel     string           `json:"default_model"`
	DefaultPersonaID string           `json:"default_persona_id"`
	Personas         []domain.Persona `json:"personas"`
	Servers          []PublicServer   `json:"servers"`
	RAGTopK          int              `json:"rag_top_k"`
}

// Public builds the client-safe view.
func (c *Config) Public() PublicView {
	view := PublicView{
		DefaultModel:     c.Models.DefaultModel,
		DefaultPersonaID: c.Personas.DefaultPersonaID,
		Personas:         c.Personas.Personas,
		RAGTopK:          c.RAG.TopK,
	}
	for _, s := range c.Tools.Servers {
		view.Servers = append(view.Servers, PublicServer{
			Name:             s.Name,
			Transport:        s.Transport,
			RequiresAPIKey:   s.RequiresAPIKey,
			EnabledByDefault: s.EnabledByDefault,
		})
	}
	return view
}
