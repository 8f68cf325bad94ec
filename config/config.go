// Package config provides YAML configuration parsing for the stager server.
//
// Values are layered: built-in defaults first, then the YAML file, then any
// command-line flags the caller applies on top.
//
// Example configuration:
//
//	listen: 127.0.0.1:8000
//	domain_suffix: .stager:8000
//	base_port: 4200
//	max_instances: 100
//	proxy_format: "http://127.0.0.1:{{.Port}}"
//	init_command: [bash, stager_script.sh]
//	idle_time: 5m
//	hold_for: 30s
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const maxPort = 65535

// Config is the root configuration structure for a stager server.
//
// It maps directly to the YAML configuration file structure.
// Use [Default], [Load] or [Parse] to create a Config.
type Config struct {
	// Listen is the host:port the stager binds to.
	Listen string `yaml:"listen"`

	// DomainSuffix is stripped from the request host to get the instance
	// name, e.g. "feature-x.stager:8000" with suffix ".stager:8000" is
	// instance "feature-x".
	DomainSuffix string `yaml:"domain_suffix"`

	// BasePort is the first port handed to backends.
	BasePort int `yaml:"base_port"`

	// MaxInstances caps concurrently running backends; ports
	// [BasePort, BasePort+MaxInstances) are reserved for them.
	MaxInstances int `yaml:"max_instances"`

	// ProxyFormat is a text/template rendering the backend URL.
	// Available fields: {{.Port}} and {{.Name}}.
	ProxyFormat string `yaml:"proxy_format"`

	// InitCommand starts a backend. STAGER_PORT and STAGER_NAME are added to
	// its environment.
	InitCommand Command `yaml:"init_command"`

	// IdleTime is how long a backend may go without requests before it is
	// interrupted.
	IdleTime Duration `yaml:"idle_time"`

	// HoldFor makes non-GET requests to a starting backend wait up to this
	// long instead of getting the loading page. Zero disables holding.
	HoldFor Duration `yaml:"hold_for"`

	// ResourceDir overrides the embedded assets with a directory containing
	// static/ and templates/. Empty uses the embedded assets.
	ResourceDir string `yaml:"resource_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:       "127.0.0.1:8000",
		DomainSuffix: ".stager:8000",
		BasePort:     4200,
		MaxInstances: 100,
		ProxyFormat:  "http://127.0.0.1:{{.Port}}",
		InitCommand:  Command{"bash", "stager_script.sh"},
		IdleTime:     Duration(5 * time.Minute),
	}
}

// Duration wraps time.Duration for YAML unmarshalling and flag parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.Set(s)
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String implements pflag.Value.
func (d *Duration) String() string {
	return time.Duration(*d).String()
}

// Set implements pflag.Value.
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Type implements pflag.Value.
func (d *Duration) Type() string {
	return "duration"
}

// Command is a command line split into arguments.
//
// In YAML it may be a list (["bash", "script.sh"]) or a single string, which
// is split on whitespace. As a flag value it is always a single string.
type Command []string

var (
	_ pflag.Value = (*Command)(nil)
	_ pflag.Value = (*Duration)(nil)
)

// UnmarshalYAML implements yaml.Unmarshaler for Command.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		return c.Set(s)
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	default:
		return fmt.Errorf("init_command must be a string or list, got %v", node.Kind)
	}
}

// String implements pflag.Value.
func (c *Command) String() string {
	return strconv.Quote(strings.Join(*c, " "))
}

// Set implements pflag.Value.
func (c *Command) Set(s string) error {
	*c = strings.Fields(s)
	return nil
}

// Type implements pflag.Value.
func (c *Command) Type() string {
	return "command"
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file on top of [Default].
func Load(path string) (*Config, error) {
	cfg, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ExpandAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads a YAML configuration file on top of [Default] without
// expanding environment variables or validating.
//
// Use it when more values are layered on before a single
// [Config.ExpandAndValidate] call.
func LoadRaw(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseRaw(data)
}

// Parse parses YAML configuration data on top of [Default].
//
// Keys omitted from the YAML keep their default values. Environment
// variables are expanded and the result is validated.
func Parse(data []byte) (*Config, error) {
	cfg, err := ParseRaw(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ExpandAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseRaw is [Parse] without expansion and validation.
func ParseRaw(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ExpandAndValidate expands environment variables and validates the config.
//
// Expansion is not idempotent: a value expanding to text that contains
// ${...} would be expanded again. Call it once, on a config from [ParseRaw]
// or [LoadRaw] after all layers are applied.
func (c *Config) ExpandAndValidate() error {
	var err error

	if c.Listen, err = expandEnvVars(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.ProxyFormat, err = expandEnvVars(c.ProxyFormat); err != nil {
		return fmt.Errorf("proxy_format: %w", err)
	}
	if c.ResourceDir, err = expandEnvVars(c.ResourceDir); err != nil {
		return fmt.Errorf("resource_dir: %w", err)
	}
	for i, arg := range c.InitCommand {
		if c.InitCommand[i], err = expandEnvVars(arg); err != nil {
			return fmt.Errorf("init_command[%d]: %w", i, err)
		}
	}

	return c.Validate()
}

// Validate checks the config for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}

	if c.DomainSuffix == "" {
		return errors.New("domain_suffix is required")
	}

	if c.BasePort < 1 || c.BasePort > maxPort {
		return fmt.Errorf("base_port must be between 1 and %d, got %d", maxPort, c.BasePort)
	}

	if c.MaxInstances < 1 {
		return fmt.Errorf("max_instances must be at least 1, got %d", c.MaxInstances)
	}
	if last := c.BasePort + c.MaxInstances - 1; last > maxPort {
		return fmt.Errorf("base_port + max_instances exceeds port range (last port %d)", last)
	}

	if c.ProxyFormat == "" {
		return errors.New("proxy_format is required")
	}
	if _, err := template.New("proxy").Parse(c.ProxyFormat); err != nil {
		return fmt.Errorf("invalid proxy_format: %w", err)
	}

	if len(c.InitCommand) == 0 {
		return errors.New("init_command is required")
	}

	if c.IdleTime.Duration() <= 0 {
		return fmt.Errorf("idle_time must be positive, got %s", c.IdleTime.Duration())
	}

	if c.HoldFor.Duration() < 0 {
		return fmt.Errorf("hold_for cannot be negative, got %s", c.HoldFor.Duration())
	}

	return nil
}

// Ports returns the port range reserved for backends.
func (c *Config) Ports() (first, last int) {
	return c.BasePort, c.BasePort + c.MaxInstances - 1
}
