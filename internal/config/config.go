package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml.
type Config struct {
	Phases        []PhaseConfig      `yaml:"phases" validate:"required,min=1,dive"`
	Automation    AutomationConfig   `yaml:"automation"`
	Notifications NotificationConfig `yaml:"notifications"`
	Server        ServerConfig       `yaml:"server"`
}

type PhaseConfig struct {
	Key         string         `yaml:"key" validate:"required,max=64"`
	Name        string         `yaml:"name" validate:"required"`
	Description string         `yaml:"description"`
	Actions     []ActionConfig `yaml:"actions" validate:"dive"`
}

type ActionConfig struct {
	Key         string `yaml:"key" validate:"required,max=64"`
	Description string `yaml:"description"`
	// Mandatory defaults to true when omitted.
	Mandatory *bool  `yaml:"mandatory"`
	Owner     string `yaml:"owner" validate:"omitempty,oneof=client admin"`
}

// IsMandatory reports the effective mandatory flag.
func (a ActionConfig) IsMandatory() bool {
	return a.Mandatory == nil || *a.Mandatory
}

type AutomationConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval" validate:"gte=0"`
	PairTimeout time.Duration `yaml:"pair_timeout" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" validate:"gte=0,lte=64"`
}

// IsEnabled reports whether the scheduled sweep should run; defaults to true.
func (a AutomationConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type NotificationConfig struct {
	Log      bool            `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks" validate:"dive"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" validate:"required,url"`
	Secret         string   `yaml:"secret"`
	Kinds          []string `yaml:"kinds"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

type ServerConfig struct {
	Addr                   string `yaml:"addr"`
	BasePath               string `yaml:"base_path"`
	JWTSecret              string `yaml:"jwt_secret"`
	AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
}

const (
	DefaultInterval    = 5 * time.Minute
	DefaultPairTimeout = 30 * time.Second
	DefaultConcurrency = 4
	DefaultAddr        = ":8080"
	DefaultBasePath    = "/v0"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ApplyDefaults fills zero values with built-in defaults.
func (c *Config) ApplyDefaults() {
	if c.Automation.Interval == 0 {
		c.Automation.Interval = DefaultInterval
	}
	if c.Automation.PairTimeout == 0 {
		c.Automation.PairTimeout = DefaultPairTimeout
	}
	if c.Automation.Concurrency == 0 {
		c.Automation.Concurrency = DefaultConcurrency
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = DefaultBasePath
	}
	for i := range c.Phases {
		for j := range c.Phases[i].Actions {
			if c.Phases[i].Actions[j].Owner == "" {
				c.Phases[i].Actions[j].Owner = "client"
			}
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, p := range c.Phases {
		if seen[p.Key] {
			return fmt.Errorf("phase %s defined twice", p.Key)
		}
		seen[p.Key] = true
		actions := map[string]bool{}
		for _, a := range p.Actions {
			if actions[a.Key] {
				return fmt.Errorf("phase %s defines action %s twice", p.Key, a.Key)
			}
			actions[a.Key] = true
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// Load reads the workspace config, falling back to the default when the file is missing.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.ApplyDefaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if len(cfg.Phases) == 0 {
		cfg.Phases = Default().Phases
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `phases:
  - key: onboarding
    name: Onboarding
    description: "Kick-off, contract and project brief"
    actions:
      - key: contract.signed
        description: "Client signed the service agreement"
        owner: client
      - key: brief.submitted
        description: "Client submitted the project brief"
        owner: client
      - key: welcome.call
        description: "Optional welcome call held"
        mandatory: false
        owner: admin
  - key: ideation
    name: Ideation
    description: "Concepts and direction"
    actions:
      - key: concepts.presented
        description: "Initial concepts shared with client"
        owner: admin
      - key: direction.chosen
        description: "Client picked a direction"
        owner: client
  - key: design
    name: Design
    actions:
      - key: design.delivered
        description: "Design drafts delivered"
        owner: admin
  - key: review
    name: Review
    actions:
      - key: feedback.submitted
        description: "Client submitted feedback"
        owner: client
      - key: revisions.applied
        description: "Revisions applied"
        owner: admin
  - key: production
    name: Production
    actions:
      - key: production.finished
        description: "Final assets produced"
        owner: admin
  - key: payment
    name: Payment
    actions:
      - key: invoice.paid
        description: "Final invoice paid"
        owner: client
  - key: signoff
    name: Sign-off
    actions:
      - key: client.approved
        description: "Client signed off the deliverables"
        owner: client
  - key: delivery
    name: Delivery
    actions:
      - key: files.delivered
        description: "Final files delivered"
        owner: admin

automation:
  interval: 5m
  pair_timeout: 30s
  concurrency: 4

notifications:
  log: true
`
