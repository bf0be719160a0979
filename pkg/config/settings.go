// Package config loads service settings from YAML with environment
// overrides and hot-reloads them on change.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the full service configuration.
type Settings struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	MCP         MCPConfig         `yaml:"mcp"`
	Session     SessionConfig     `yaml:"session"`
	Model       ModelConfig       `yaml:"model"`
	Store       StoreConfig       `yaml:"store"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Workflow    WorkflowConfig    `yaml:"workflow"`

	// SourceHash fingerprints the file the settings came from.
	SourceHash string `yaml:"-"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	H2C  bool   `yaml:"h2c"`
	// CallbackURL, when set, makes completion notifications travel over
	// HTTP to this base URL instead of in-process.
	CallbackURL   string `yaml:"callbackURL"`
	CallbackToken string `yaml:"callbackToken"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SandboxConfig struct {
	Backend         string        `yaml:"backend"`
	URL             string        `yaml:"url"`
	Token           string        `yaml:"token"`
	DefaultTemplate string        `yaml:"defaultTemplate"`
	DefaultTimeout  time.Duration `yaml:"defaultTimeout"`
	ProbeAttempts   int           `yaml:"probeAttempts"`
	ProbeInterval   time.Duration `yaml:"probeInterval"`
	LocalRoot       string        `yaml:"localRoot"`
}

type MCPConfig struct {
	ToolTimeout  time.Duration `yaml:"toolTimeout"`
	CallAttempts int           `yaml:"callAttempts"`
	// ListTimeout bounds one server's tool listing for the reply prompt.
	ListTimeout time.Duration `yaml:"listTimeout"`
}

type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

type ModelConfig struct {
	Provider        string `yaml:"provider"`
	Name            string `yaml:"name"`
	MaxTokens       int    `yaml:"maxTokens"`
	BaseURL         string `yaml:"baseURL"`
	AnthropicAPIKey string `yaml:"anthropicAPIKey"`
	OpenAIAPIKey    string `yaml:"openaiAPIKey"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type CredentialsConfig struct {
	MasterKeyPath string `yaml:"masterKeyPath"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"serviceName"`
}

type WorkflowConfig struct {
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// Default returns settings that run a self-contained local service.
func Default() Settings {
	return Settings{
		Server: ServerConfig{Addr: ":8080"},
		Log:    LogConfig{Level: "info"},
		Sandbox: SandboxConfig{
			Backend:         "local",
			DefaultTemplate: "base",
			DefaultTimeout:  5 * time.Minute,
			ProbeAttempts:   5,
			ProbeInterval:   3 * time.Second,
		},
		MCP:         MCPConfig{ToolTimeout: 60 * time.Second, CallAttempts: 3, ListTimeout: 5 * time.Second},
		Session:     SessionConfig{TTL: 24 * time.Hour, SweepInterval: 10 * time.Minute},
		Model:       ModelConfig{Provider: "none", MaxTokens: 1024},
		Store:       StoreConfig{Driver: "sqlite", Path: "sandboxchat.db"},
		Credentials: CredentialsConfig{MasterKeyPath: "sandboxchat.key"},
		Telemetry:   TelemetryConfig{ServiceName: "sandboxchat"},
		Workflow:    WorkflowConfig{Workers: 4, MaxAttempts: 3, Backoff: 500 * time.Millisecond},
	}
}

// Load reads path over Default and applies environment overrides. An empty
// path or a missing file yields defaults plus overrides.
func Load(path string) (*Settings, error) {
	s := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
			sum := sha256.Sum256(data)
			s.SourceHash = hex.EncodeToString(sum[:])
		}
	}
	if err := applyEnv(&s, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyEnv(s *Settings, lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"SANDBOXCHAT_ADDR", &s.Server.Addr},
		{"SANDBOXCHAT_CALLBACK_URL", &s.Server.CallbackURL},
		{"SANDBOXCHAT_BACKEND", &s.Sandbox.Backend},
		{"SANDBOXCHAT_BACKEND_URL", &s.Sandbox.URL},
		{"SANDBOXCHAT_BACKEND_TOKEN", &s.Sandbox.Token},
		{"SANDBOXCHAT_MASTER_KEY_PATH", &s.Credentials.MasterKeyPath},
		{"SANDBOXCHAT_DB_PATH", &s.Store.Path},
		{"SANDBOXCHAT_LOG_LEVEL", &s.Log.Level},
		{"SANDBOXCHAT_MODEL_PROVIDER", &s.Model.Provider},
		{"ANTHROPIC_API_KEY", &s.Model.AnthropicAPIKey},
		{"OPENAI_API_KEY", &s.Model.OpenAIAPIKey},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &s.Telemetry.Endpoint},
	}
	for _, e := range strs {
		if v, ok := lookup(e.key); ok && strings.TrimSpace(v) != "" {
			*e.dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookup("SANDBOXCHAT_H2C"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: SANDBOXCHAT_H2C: %w", err)
		}
		s.Server.H2C = b
	}
	// An API key alone selects its provider.
	if s.Model.Provider == "none" {
		switch {
		case s.Model.AnthropicAPIKey != "":
			s.Model.Provider = "anthropic"
		case s.Model.OpenAIAPIKey != "":
			s.Model.Provider = "openai"
		}
	}
	return nil
}
