// Package config loads interceptor configuration from a YAML file and
// layers INTERCEPTOR_-prefixed environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the interceptor proxy.
type Config struct {
	Host                 string             `yaml:"host"`
	Port                 int                `yaml:"port"`
	DBPath               string             `yaml:"db_path"`
	OpenAIURL            string             `yaml:"openai_url"`
	AnthropicURL         string             `yaml:"anthropic_url"`
	OllamaURL            string             `yaml:"ollama_url"`
	Verbose              bool               `yaml:"verbose"`
	Quiet                bool               `yaml:"quiet"`
	Redact               bool               `yaml:"redact"`
	RedactBody           bool               `yaml:"redact_body"`
	StoreChunks          bool               `yaml:"store_chunks"`
	ShutdownGraceSeconds int                `yaml:"shutdown_grace_seconds"`
	CostTable            map[string]float64 `yaml:"cost_table"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Host:                 "127.0.0.1",
		Port:                 8080,
		DBPath:               "interceptor.db",
		OpenAIURL:            "https://api.openai.com",
		AnthropicURL:         "https://api.anthropic.com",
		OllamaURL:            "http://localhost:11434",
		Redact:               true,
		StoreChunks:          true,
		ShutdownGraceSeconds: 30,
	}
}

// Load reads configuration from a YAML file at path (a missing file is not
// an error — the defaults are used instead), then applies
// INTERCEPTOR_-prefixed environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// envPrefix is the environment variable prefix recognized for overrides,
// e.g. INTERCEPTOR_PORT=9090 overrides Port.
const envPrefix = "INTERCEPTOR_"

// applyEnvOverrides walks the known override keys and patches cfg in place
// from the process environment. This mirrors the pack's koanf
// env.Provider(prefix, delim, transform) convention without pulling in the
// koanf dependency tree — see DESIGN.md.
func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("HOST"); ok {
		cfg.Host = v
	}
	if v, ok := lookupEnvInt("PORT"); ok {
		cfg.Port = v
	}
	if v, ok := lookupEnv("DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := lookupEnv("OPENAI_URL"); ok {
		cfg.OpenAIURL = v
	}
	if v, ok := lookupEnv("ANTHROPIC_URL"); ok {
		cfg.AnthropicURL = v
	}
	if v, ok := lookupEnv("OLLAMA_URL"); ok {
		cfg.OllamaURL = v
	}
	if v, ok := lookupEnvBool("VERBOSE"); ok {
		cfg.Verbose = v
	}
	if v, ok := lookupEnvBool("QUIET"); ok {
		cfg.Quiet = v
	}
	if v, ok := lookupEnvBool("REDACT"); ok {
		cfg.Redact = v
	}
	if v, ok := lookupEnvBool("STORE_CHUNKS"); ok {
		cfg.StoreChunks = v
	}
}

func lookupEnv(suffix string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + suffix)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func lookupEnvBool(suffix string) (bool, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupEnvInt(suffix string) (int, bool) {
	v, ok := lookupEnv(suffix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// UpstreamURL returns the configured base URL for a provider name
// ("openai", "anthropic", "ollama"); empty for anything else.
func (c *Config) UpstreamURL(provider string) string {
	switch provider {
	case "openai":
		return c.OpenAIURL
	case "anthropic":
		return c.AnthropicURL
	case "ollama":
		return c.OllamaURL
	default:
		return ""
	}
}

// CostPer1K returns the configured dollars-per-1000-tokens rate for a model,
// and whether one was configured at all. Absent a configured rate, callers
// should leave cost_estimate unset rather than guessing.
func (c *Config) CostPer1K(model string) (float64, bool) {
	rate, ok := c.CostTable[model]
	return rate, ok
}
