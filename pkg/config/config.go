// Package config loads the flowpress service configuration.
//
// A config file is YAML. Any field it leaves out keeps its default, so an
// empty file is a valid configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory when
// no path is given.
const DefaultFile = "flowpress.yaml"

// Config is the root of flowpress.yaml.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Definitions DefinitionsConfig `yaml:"definitions"`
	LLM         LLMConfig         `yaml:"llm"`
	Tools       ToolsConfig       `yaml:"tools"`
	Engine      EngineConfig      `yaml:"engine"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefinitionsConfig locates pipeline definition files (.json, .yaml, .yml, .dot).
type DefinitionsConfig struct {
	Dir string `yaml:"dir"`
	// Watch re-registers definitions when files in Dir change.
	Watch bool `yaml:"watch"`
}

type LLMConfig struct {
	// Model is a "provider:model-name" id, e.g. "anthropic:claude-sonnet-4-5".
	Model     string `yaml:"model" validate:"required,contains=:"`
	MaxTokens int    `yaml:"max_tokens" validate:"gte=1"`
}

type ToolsConfig struct {
	Workdir            string        `yaml:"workdir" validate:"required"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" validate:"gte=0"`
	Burst              int           `yaml:"burst" validate:"gte=1"`
	HTTPTimeout        time.Duration `yaml:"http_timeout" validate:"gt=0"`
}

type EngineConfig struct {
	ExpressionTimeout time.Duration `yaml:"expression_timeout" validate:"gt=0"`
	MaxSubflowDepth   int           `yaml:"max_subflow_depth" validate:"gte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:      ServerConfig{Addr: ":8080"},
		Log:         LogConfig{Level: "info", Format: "text"},
		Definitions: DefinitionsConfig{Dir: "pipelines"},
		LLM:         LLMConfig{Model: "echo:flowpress", MaxTokens: 1024},
		Tools: ToolsConfig{
			Workdir:     ".",
			Burst:       1,
			HTTPTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			ExpressionTimeout: 250 * time.Millisecond,
			MaxSubflowDepth:   8,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// falls back to DefaultFile when it exists and to the defaults otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat(DefaultFile); err != nil {
			return cfg, nil
		}
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, leaving fields the document omits untouched,
// then validates cfg.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field and reports all violations at once.
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
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe), tagWithParam(fe), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath turns "Config.Tools.HTTPTimeout" into "tools.HTTPTimeout".
func fieldPath(fe validator.FieldError) string {
	ns := strings.TrimPrefix(fe.StructNamespace(), "Config.")
	if section, field, ok := strings.Cut(ns, "."); ok {
		return strings.ToLower(section) + "." + field
	}
	return ns
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
