// Package config provides configuration loading and validation for the
// service and for per-repository .daiv.yml files.
//
// Two layers are kept strictly separate:
//
//   - Service config: process-wide settings (platform credentials, webhook
//     secret, sandbox endpoint, model selection, store path) loaded once at
//     startup from a YAML file plus environment overrides.
//   - Repository config: the .daiv.yml at the target repo's root, loaded
//     once per invocation and treated as an immutable snapshot for that
//     invocation.
//
// Neither layer holds state. Build status, checkpoints, leases, and pending
// changes belong in the store, never in config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names for model routing.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// Model identifies one configured model: which provider serves it and how
// hard it may think.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Model struct {
	Provider      string  `yaml:"provider"`
	Name          string  `yaml:"name"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float32 `yaml:"temperature"`
	ThinkingLevel string  `yaml:"thinking_level,omitempty"` // "", "low", "medium", "high"
}

// Models groups the per-role model assignments. The planner and executor
// share the primary model unless overridden; the classifier and describer
// are small, cheap models.
type Models struct {
	Primary    Model `yaml:"primary"`
	Fallback   Model `yaml:"fallback"`
	Classifier Model `yaml:"classifier"`
	Describer  Model `yaml:"describer"`
}

// Platform holds credentials and identity for one hosted Git platform.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Platform struct {
	Kind          string `yaml:"kind"` // "gitlab" or "github"
	BaseURL       string `yaml:"base_url,omitempty"`
	Token         string `yaml:"token,omitempty"`
	TokenEnv      string `yaml:"token_env,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
	SecretEnv     string `yaml:"webhook_secret_env,omitempty"`
	BotUsername   string `yaml:"bot_username"`
}

// Sandbox holds the sandbox service endpoint used for bash and format runs.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Sandbox struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token,omitempty"`
	TokenEnv    string        `yaml:"token_env,omitempty"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Limits bounds agent iteration and provider usage.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Limits struct {
	PlanningRecursion  int           `yaml:"planning_recursion"`
	ExecutionRecursion int           `yaml:"execution_recursion"`
	ModelCallTimeout   time.Duration `yaml:"model_call_timeout"`
	TokensPerMinute    int           `yaml:"tokens_per_minute"`
	MaxBudgetPerDayUSD float64       `yaml:"max_budget_per_day_usd"`
}

// Config is the immutable service configuration.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	AdminAddr    string        `yaml:"admin_addr"`
	StorePath    string        `yaml:"store_path"`
	WorkspaceDir string        `yaml:"workspace_dir"`
	Debounce     time.Duration `yaml:"debounce"`
	Platform     Platform      `yaml:"platform"`
	Sandbox      Sandbox       `yaml:"sandbox"`
	// SearchURL points at a SearXNG-compatible endpoint; empty disables
	// the web_search tool.
	SearchURL   string `yaml:"search_url,omitempty"`
	Models      Models `yaml:"models"`
	Limits      Limits `yaml:"limits"`
	GitIdentity string `yaml:"git_identity"`
}

// Defaults applied when the YAML omits a value.
const (
	defaultListenAddr       = ":8080"
	defaultAdminAddr        = ":9090"
	defaultStorePath        = "daiv.db"
	defaultDebounce         = 2 * time.Second
	defaultPlanRecursion    = 40
	defaultExecRecursion    = 80
	defaultModelCallTimeout = 5 * time.Minute
	defaultSandboxTimeout   = 10 * time.Minute
	defaultSandboxIdle      = 30 * time.Minute
)

// Load reads and validates the service configuration from a YAML file.
// Environment variables named by *_env keys are resolved here so the rest
// of the process never touches os.Getenv for secrets.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if c.AdminAddr == "" {
		c.AdminAddr = defaultAdminAddr
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	if c.WorkspaceDir == "" {
		c.WorkspaceDir = os.TempDir()
	}
	if c.Debounce <= 0 {
		c.Debounce = defaultDebounce
	}
	if c.Limits.PlanningRecursion <= 0 {
		c.Limits.PlanningRecursion = defaultPlanRecursion
	}
	if c.Limits.ExecutionRecursion <= 0 {
		c.Limits.ExecutionRecursion = defaultExecRecursion
	}
	if c.Limits.ModelCallTimeout <= 0 {
		c.Limits.ModelCallTimeout = defaultModelCallTimeout
	}
	if c.Sandbox.CallTimeout <= 0 {
		c.Sandbox.CallTimeout = defaultSandboxTimeout
	}
	if c.Sandbox.IdleTimeout <= 0 {
		c.Sandbox.IdleTimeout = defaultSandboxIdle
	}
	if c.GitIdentity == "" {
		c.GitIdentity = "daiv"
	}
}

func (c *Config) resolveSecrets() {
	if c.Platform.Token == "" && c.Platform.TokenEnv != "" {
		c.Platform.Token = os.Getenv(c.Platform.TokenEnv)
	}
	if c.Platform.WebhookSecret == "" && c.Platform.SecretEnv != "" {
		c.Platform.WebhookSecret = os.Getenv(c.Platform.SecretEnv)
	}
	if c.Sandbox.Token == "" && c.Sandbox.TokenEnv != "" {
		c.Sandbox.Token = os.Getenv(c.Sandbox.TokenEnv)
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Platform.Kind {
	case "gitlab", "github":
	default:
		return fmt.Errorf("platform.kind must be gitlab or github, got %q", c.Platform.Kind)
	}
	if c.Platform.Token == "" {
		return fmt.Errorf("platform token is required (set token or token_env)")
	}
	if c.Platform.BotUsername == "" {
		return fmt.Errorf("platform.bot_username is required")
	}
	if err := c.Models.Primary.validate("models.primary"); err != nil {
		return err
	}
	if err := c.Models.Classifier.validate("models.classifier"); err != nil {
		return err
	}
	// Fallback and describer are optional; when set they must be complete.
	if c.Models.Fallback.Name != "" {
		if err := c.Models.Fallback.validate("models.fallback"); err != nil {
			return err
		}
	}
	if c.Models.Describer.Name != "" {
		if err := c.Models.Describer.validate("models.describer"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) validate(field string) error {
	if m.Name == "" {
		return fmt.Errorf("%s.name is required", field)
	}
	switch m.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
	default:
		return fmt.Errorf("%s.provider must be one of anthropic, openai, google, ollama; got %q", field, m.Provider)
	}
	if m.Temperature < 0.0 || m.Temperature > 2.0 {
		return fmt.Errorf("%s.temperature must be between 0.0 and 2.0", field)
	}
	return nil
}
