package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DriverPostgREST selects the Supabase/PostgREST row-fetch service.
	DriverPostgREST = "postgrest"
	// DriverSQLite selects the embedded local store.
	DriverSQLite = "sqlite"
)

// Config represents the application configuration parsed from YAML, with
// secrets overlaid from the environment. It is constructed once at startup
// and passed by reference; it is read-only afterwards.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Tables    TablesConfig    `yaml:"tables"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// ProvidersConfig holds the process-wide default credentials and endpoints
// for the model providers. Per-user keys resolved at request time take
// precedence over these.
type ProvidersConfig struct {
	Gemini     ProviderConfig `yaml:"gemini"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
	OpenAI     ProviderConfig `yaml:"openai"`
}

// ProviderConfig captures the default key, endpoint and model for one
// provider. APIKey may be empty: a missing model-provider key is recoverable
// at request time (fallback or degraded answer), never a startup failure.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// DatastoreConfig selects and parameterises the backing row-fetch service.
type DatastoreConfig struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`         // postgrest
	ServiceKey string `yaml:"service_key"` // postgrest
	Path       string `yaml:"path"`        // sqlite
}

// TablesConfig lists the tables eligible for selection, in priority order,
// and the name used when nothing in the question matches.
type TablesConfig struct {
	Known   []string `yaml:"known"`
	Default string   `yaml:"default"`
}

const (
	defaultGeminiBaseURL     = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel       = "gemini-flash-latest"
	defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "openrouter/free"
	defaultOpenAIBaseURL     = "https://api.openai.com/v1"
	defaultOpenAIModel       = "gpt-3.5-turbo"
)

var defaultKnownTables = []string{"subscribers", "orders", "products", "woocommerce", "users", "profiles"}

// Load reads YAML configuration from disk, overlays environment variables
// and validates the result. A .env.local next to the working directory wins
// over .env, matching how deployments ship local overrides.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	loadDotenv()
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotenv() {
	// Overrides first, fallbacks second. Both files are optional.
	_ = godotenv.Overload(".env.local")
	_ = godotenv.Load(".env")
}

func (c *Config) applyEnv() {
	overlay(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	overlay(&c.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	overlay(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	overlay(&c.Datastore.URL, "SUPABASE_URL")
	overlay(&c.Datastore.ServiceKey, "SUPABASE_SERVICE_ROLE")
}

func overlay(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func (c *Config) applyDefaults() {
	if c.Providers.Gemini.BaseURL == "" {
		c.Providers.Gemini.BaseURL = defaultGeminiBaseURL
	}
	if c.Providers.Gemini.Model == "" {
		c.Providers.Gemini.Model = defaultGeminiModel
	}
	if c.Providers.OpenRouter.BaseURL == "" {
		c.Providers.OpenRouter.BaseURL = defaultOpenRouterBaseURL
	}
	if c.Providers.OpenRouter.Model == "" {
		c.Providers.OpenRouter.Model = defaultOpenRouterModel
	}
	if c.Providers.OpenAI.BaseURL == "" {
		c.Providers.OpenAI.BaseURL = defaultOpenAIBaseURL
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = defaultOpenAIModel
	}
	if len(c.Tables.Known) == 0 {
		c.Tables.Known = append([]string(nil), defaultKnownTables...)
	}
	if c.Tables.Default == "" {
		c.Tables.Default = "profiles"
	}
}

// Validate performs strict sanity checks on the configuration. Datastore
// misconfiguration is a hard startup failure; absent provider keys are not.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	switch c.Datastore.Driver {
	case DriverPostgREST:
		if strings.TrimSpace(c.Datastore.URL) == "" {
			return fmt.Errorf("datastore.url must be provided for the %s driver", DriverPostgREST)
		}
		if strings.TrimSpace(c.Datastore.ServiceKey) == "" {
			return fmt.Errorf("datastore.service_key must be provided for the %s driver", DriverPostgREST)
		}
	case DriverSQLite:
		if strings.TrimSpace(c.Datastore.Path) == "" {
			return fmt.Errorf("datastore.path must be provided for the %s driver", DriverSQLite)
		}
	default:
		return fmt.Errorf("datastore.driver must be %q or %q, got %q", DriverPostgREST, DriverSQLite, c.Datastore.Driver)
	}

	for _, table := range c.Tables.Known {
		if strings.TrimSpace(table) == "" {
			return fmt.Errorf("tables.known must not contain empty names")
		}
	}
	if strings.TrimSpace(c.Tables.Default) == "" {
		return fmt.Errorf("tables.default must not be empty")
	}

	return nil
}
