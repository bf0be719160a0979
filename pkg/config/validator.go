package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Validate aggregates every problem with errors.Join so callers can report
// them all at once.
func (s *Settings) Validate() error {
	if s == nil {
		return errors.New("config: settings is nil")
	}
	var errs []error

	if strings.TrimSpace(s.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if s.Server.CallbackURL != "" {
		errs = append(errs, validateURL("server.callbackURL", s.Server.CallbackURL)...)
	}
	if _, err := zapcore.ParseLevel(s.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	errs = append(errs, validateSandbox(s.Sandbox)...)
	errs = append(errs, oneOf("model.provider", s.Model.Provider, "none", "anthropic", "openai")...)
	switch s.Model.Provider {
	case "anthropic":
		if s.Model.AnthropicAPIKey == "" {
			errs = append(errs, errors.New("model.anthropicAPIKey is required for provider anthropic"))
		}
	case "openai":
		if s.Model.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("model.openaiAPIKey is required for provider openai"))
		}
	}
	errs = append(errs, oneOf("store.driver", s.Store.Driver, "sqlite", "memory")...)
	if s.Store.Driver == "sqlite" && strings.TrimSpace(s.Store.Path) == "" {
		errs = append(errs, errors.New("store.path is required for the sqlite driver"))
	}
	if strings.TrimSpace(s.Credentials.MasterKeyPath) == "" {
		errs = append(errs, errors.New("credentials.masterKeyPath is required"))
	}
	if s.Session.TTL < 0 || s.Session.SweepInterval < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if s.Workflow.Workers < 0 || s.Workflow.MaxAttempts < 0 || s.Workflow.Backoff < 0 {
		errs = append(errs, errors.New("workflow settings must not be negative"))
	}
	if s.MCP.CallAttempts < 0 || s.MCP.ToolTimeout < 0 || s.MCP.ListTimeout < 0 {
		errs = append(errs, errors.New("mcp settings must not be negative"))
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateSandbox(c SandboxConfig) []error {
	var errs []error
	errs = append(errs, oneOf("sandbox.backend", c.Backend, "local", "http")...)
	if c.Backend == "http" {
		if strings.TrimSpace(c.URL) == "" {
			errs = append(errs, errors.New("sandbox.url is required for the http backend"))
		} else {
			errs = append(errs, validateURL("sandbox.url", c.URL)...)
		}
	}
	if c.ProbeAttempts <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.probeAttempts must be positive, got %d", c.ProbeAttempts))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("sandbox.probeInterval must be positive, got %s", c.ProbeInterval))
	}
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("sandbox.defaultTimeout must not be negative"))
	}
	return errs
}

func oneOf(field, value string, allowed ...string) []error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return []error{fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)}
}

func validateURL(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []error{fmt.Errorf("%s must be an absolute URL, got %q", field, raw)}
	}
	return nil
}
