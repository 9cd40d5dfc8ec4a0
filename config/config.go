// Package config resolves the process-wide coordination configuration: the
// complexity-tier turn/spend defaults spec.md §9 calls out as config-file
// material rather than hard-coded, plus the storage backend selection every
// collaborator's New() needs at startup.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// ComplexityTier names one of the three tier-default sets in Config.Tiers,
// looked up with Resolve. Nothing in the module applies them to a
// directive: a directive's own limits block is used as written.
type ComplexityTier string

const (
	TierSimple   ComplexityTier = "simple"
	TierModerate ComplexityTier = "moderate"
	TierComplex  ComplexityTier = "complex"
)

// TierDefaults is one complexity tier's turn/token/spend ceiling.
type TierDefaults struct {
	MaxTurns  int     `toml:"max_turns"`
	MaxTokens int     `toml:"max_tokens"`
	MaxSpend  float64 `toml:"max_spend"`
}

// StoreConfig selects and configures one durable backend (registry, budget
// ledger, or both) among the file/redis/mongo/postgres options each package
// offers behind its Registry or Ledger interface.
type StoreConfig struct {
	Backend  string `toml:"backend"` // "file", "redis", "mongo", "postgres"
	Root     string `toml:"root"`    // file backend root directory
	DSN      string `toml:"dsn"`     // redis/mongo/postgres connection string
	Database string `toml:"database"`
}

// TelemetryConfig controls whether the Clue/OTEL telemetry backends are
// wired in place of the no-op defaults.
type TelemetryConfig struct {
	Enabled       bool   `toml:"enabled"`
	OTLPEndpoint  string `toml:"otlp_endpoint"`
	ServiceName   string `toml:"service_name"`
	LogFormat     string `toml:"log_format"` // "text" or "json"
	LogDebugLevel bool   `toml:"log_debug"`
}

// ProviderConfig selects and configures the model provider adapter
// (anthropic/openai/bedrock) cmd/ryed wires as the Thread Runner's
// provider.Client.
type ProviderConfig struct {
	Backend      string `toml:"backend"` // "anthropic", "openai", "bedrock"
	APIKey       string `toml:"api_key"`
	DefaultModel string `toml:"default_model"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the coordination config a deployment loads once at startup.
type Config struct {
	Tiers     map[ComplexityTier]TierDefaults `toml:"tiers"`
	Registry  StoreConfig                     `toml:"registry"`
	Budget    StoreConfig                     `toml:"budget"`
	Telemetry TelemetryConfig                 `toml:"telemetry"`
	Provider  ProviderConfig                  `toml:"provider"`
	API       APIConfig                       `toml:"api"`

	// DirectivesDir is the filesystem root directive.FileLoader reads
	// `<name>.yaml` directive files from.
	DirectivesDir string `toml:"directives_dir"`

	// ToolsDir is the filesystem root dispatch.FileStore reads signed tool
	// items from, one space subdirectory (project/user/system) each.
	ToolsDir string `toml:"tools_dir"`
}

// defaults matches spec.md §9's note that simple/moderate/complex ceilings
// "appear with slightly varying defaults in different documents" — these are
// the config-file defaults used absent any rye.toml override.
func defaults() Config {
	return Config{
		Tiers: map[ComplexityTier]TierDefaults{
			TierSimple:   {MaxTurns: 5, MaxTokens: 4_000, MaxSpend: 0.50},
			TierModerate: {MaxTurns: 15, MaxTokens: 16_000, MaxSpend: 2.00},
			TierComplex:  {MaxTurns: 40, MaxTokens: 64_000, MaxSpend: 10.00},
		},
		Registry:      StoreConfig{Backend: "file", Root: ".rye/threads"},
		Budget:        StoreConfig{Backend: "file", Root: ".rye/budget.db"},
		Telemetry:     TelemetryConfig{ServiceName: "rye-core", LogFormat: "text"},
		Provider:      ProviderConfig{Backend: "anthropic", DefaultModel: "claude-sonnet-4-5"},
		API:           APIConfig{Enabled: true, Addr: ":8090"},
		DirectivesDir: ".rye/directives",
		ToolsDir:      ".rye/tools",
	}
}

// Load resolves Config from, in increasing priority: built-in defaults, a
// TOML file at path (if path is empty, RYE_CONFIG env var, then ./rye.toml
// are tried in turn; no file found is not an error, only a hard parse
// failure is), and finally environment variable overrides. A `.env` file
// (if present, via godotenv — missing is not an error) is loaded into the
// process environment first without replacing variables already set, so
// its values act as environment overrides and beat the TOML file.
func Load(path string) (Config, error) {
	cfg := defaults()

	_ = godotenv.Load() // optional; missing .env is not an error

	resolved := resolvePath(path)
	if resolved != "" {
		if _, err := toml.DecodeFile(resolved, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func resolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv("RYE_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("rye.toml"); err == nil {
		return "rye.toml"
	}
	return ""
}

func (c *Config) applyEnv() {
	envOverride("RYE_REGISTRY_BACKEND", &c.Registry.Backend)
	envOverride("RYE_REGISTRY_DSN", &c.Registry.DSN)
	envOverride("RYE_BUDGET_BACKEND", &c.Budget.Backend)
	envOverride("RYE_BUDGET_DSN", &c.Budget.DSN)
	envOverride("RYE_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	if os.Getenv("RYE_TELEMETRY_ENABLED") != "" {
		c.Telemetry.Enabled = os.Getenv("RYE_TELEMETRY_ENABLED") == "true"
	}
	envOverride("RYE_PROVIDER_BACKEND", &c.Provider.Backend)
	envOverride("RYE_PROVIDER_API_KEY", &c.Provider.APIKey)
	envOverride("RYE_PROVIDER_MODEL", &c.Provider.DefaultModel)
	envOverride("RYE_API_ADDR", &c.API.Addr)
	envOverride("RYE_DIRECTIVES_DIR", &c.DirectivesDir)
	envOverride("RYE_TOOLS_DIR", &c.ToolsDir)
}

func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Resolve returns tier's defaults, falling back to TierModerate's when tier
// is unknown or the tier table omits it.
func (c Config) Resolve(tier ComplexityTier) TierDefaults {
	if d, ok := c.Tiers[tier]; ok {
		return d
	}
	return c.Tiers[TierModerate]
}
