package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file with
// environment-variable fallbacks for credentials.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Browser BrowserConfig `yaml:"browser"`
	Limits  LimitsConfig  `yaml:"limits"`

	// OutputDir is where save steps write their files.
	OutputDir string `yaml:"outputDir"`
}

// LLMConfig selects the completion provider and models.
type LLMConfig struct {
	// APIKey falls back to OPENAI_API_KEY when empty.
	APIKey string `yaml:"apiKey"`

	// BaseURL falls back to OPENAI_BASE_URL when empty.
	BaseURL string `yaml:"baseUrl"`

	// Model drives agent steps, extraction, and conditionals.
	Model string `yaml:"model"`

	// VisionModel drives screenshot-based extraction and pagination
	// checks. Defaults to Model.
	VisionModel string `yaml:"visionModel"`

	// RequestsPerSecond paces outbound completion calls.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// BrowserConfig controls how sessions launch.
type BrowserConfig struct {
	Headless bool `yaml:"headless"`

	// IdleTimeout is how long an untouched session survives.
	IdleTimeout time.Duration `yaml:"idleTimeout"`
}

// browserConfigYAML mirrors BrowserConfig with the idle timeout as a
// duration string ("5m", "90s"), which yaml.v3 does not handle natively
// for time.Duration fields.
type browserConfigYAML struct {
	Headless    bool   `yaml:"headless"`
	IdleTimeout string `yaml:"idleTimeout"`
}

// UnmarshalYAML decodes the idle timeout from a duration string.
func (b *BrowserConfig) UnmarshalYAML(value *yaml.Node) error {
	aux := browserConfigYAML{Headless: b.Headless}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	b.Headless = aux.Headless
	if aux.IdleTimeout != "" {
		d, err := time.ParseDuration(aux.IdleTimeout)
		if err != nil {
			return fmt.Errorf("invalid browser.idleTimeout %q: %w", aux.IdleTimeout, err)
		}
		b.IdleTimeout = d
	}
	return nil
}

// MarshalYAML encodes the idle timeout as a duration string.
func (b BrowserConfig) MarshalYAML() (interface{}, error) {
	return browserConfigYAML{
		Headless:    b.Headless,
		IdleTimeout: b.IdleTimeout.String(),
	}, nil
}

// LimitsConfig bounds session creation across the process.
type LimitsConfig struct {
	MaxCreatesPerMinute   int `yaml:"maxCreatesPerMinute"`
	MaxConcurrentSessions int `yaml:"maxConcurrentSessions"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:             "gpt-4o",
			VisionModel:       "gpt-4o",
			RequestsPerSecond: 4,
		},
		Browser: BrowserConfig{
			Headless:    true,
			IdleTimeout: 5 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxCreatesPerMinute:   20,
			MaxConcurrentSessions: 10,
		},
		OutputDir: ".",
	}
}

// DefaultPath is ~/.waypoint/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".waypoint", "config.yaml"), nil
}

// Load reads the configuration file at path, or the default path when path
// is empty. A missing file yields the defaults rather than an error.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration atomically, creating the directory if
// needed.
func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model must be set")
	}
	if c.LLM.RequestsPerSecond <= 0 {
		return fmt.Errorf("llm.requestsPerSecond must be positive")
	}
	if c.Limits.MaxCreatesPerMinute <= 0 {
		return fmt.Errorf("limits.maxCreatesPerMinute must be positive")
	}
	if c.Limits.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("limits.maxConcurrentSessions must be positive")
	}
	if c.Browser.IdleTimeout <= 0 {
		return fmt.Errorf("browser.idleTimeout must be positive")
	}
	return nil
}

func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.LLM.VisionModel == "" {
		c.LLM.VisionModel = c.LLM.Model
	}
}
