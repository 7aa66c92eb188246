// Package config loads autoscrape settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "autoscrape.yaml"

// Config holds all autoscrape configuration.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Synth    SynthConfig    `yaml:"synth"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LLMConfig selects the code-generation provider.
type LLMConfig struct {
	Provider  string `yaml:"provider" validate:"required"` // gemini, replay
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Timeout   string `yaml:"timeout" validate:"omitempty,duration"`
	ReplayDir string `yaml:"replay_dir"`
}

// StoreConfig selects where routines are kept.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=file sqlite memory"`
	Dir    string `yaml:"dir" validate:"required_if=Driver file"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver sqlite"`
}

// PipelineConfig bounds the synthesis loop.
type PipelineConfig struct {
	MaxAttempts int    `yaml:"max_attempts" validate:"min=1,max=20"`
	EntryPoint  string `yaml:"entry_point" validate:"required"`
}

// FetchConfig configures page retrieval.
type FetchConfig struct {
	StaticTimeout string `yaml:"static_timeout" validate:"omitempty,duration"`
	RenderTimeout string `yaml:"render_timeout" validate:"omitempty,duration"`
	UserAgent     string `yaml:"user_agent"`
	Proxy         string `yaml:"proxy" validate:"omitempty,url"`
	Headless      bool   `yaml:"headless"`
	Render        bool   `yaml:"render"` // allow the browser path for dynamic pages
}

type SandboxConfig struct {
	Timeout string `yaml:"timeout" validate:"omitempty,duration"` // "0" disables
}

type SynthConfig struct {
	MaxHTMLBytes int `yaml:"max_html_bytes" validate:"min=1000"`
}

// ServerConfig configures `autoscrape serve`.
type ServerConfig struct {
	Addr        string `yaml:"addr" validate:"required"`
	Concurrency int    `yaml:"concurrency" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},
		Store: StoreConfig{
			Driver: "file",
			Dir:    ".autoscrape/routines",
			DSN:    ".autoscrape/routines.db",
		},
		Pipeline: PipelineConfig{
			MaxAttempts: 3,
			EntryPoint:  "Run",
		},
		Fetch: FetchConfig{
			StaticTimeout: "10s",
			RenderTimeout: "15s",
			Headless:      true,
			Render:        true,
		},
		Sandbox: SandboxConfig{
			Timeout: "60s",
		},
		Synth: SynthConfig{
			MaxHTMLBytes: 60000,
		},
		Server: ServerConfig{
			Addr:        ":8080",
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("AUTOSCRAPE_LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if proxy := os.Getenv("AUTOSCRAPE_PROXY"); proxy != "" {
		c.Fetch.Proxy = proxy
	}
	if dir := os.Getenv("AUTOSCRAPE_STORE_DIR"); dir != "" {
		c.Store.Dir = dir
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml keys rather than Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if _, rest, ok := strings.Cut(path, "."); ok {
			path = rest
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", path, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return duration(c.LLM.Timeout, 120*time.Second)
}

func (c *Config) GetStaticTimeout() time.Duration {
	return duration(c.Fetch.StaticTimeout, 10*time.Second)
}

func (c *Config) GetRenderTimeout() time.Duration {
	return duration(c.Fetch.RenderTimeout, 15*time.Second)
}

// GetSandboxTimeout returns the routine timeout. Zero means unlimited.
func (c *Config) GetSandboxTimeout() time.Duration {
	return duration(c.Sandbox.Timeout, 0)
}
