package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models lotline.yml.
type Config struct {
	Registry struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"registry"`
	Proofs struct {
		Catalog map[string]ProofKind `yaml:"catalog"`
	} `yaml:"proofs"`
	Orders struct {
		Defaults struct {
			Currency   string `yaml:"currency"`
			EscrowDays int    `yaml:"escrow_days"`
		} `yaml:"defaults"`
	} `yaml:"orders"`
	Claims struct {
		BadgeDefault bool `yaml:"badge_default"`
	} `yaml:"claims"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ProofKind struct {
	Description string `yaml:"description"`
	RequiresGeo bool   `yaml:"requires_geo"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

var knownProofTypes = map[string]bool{"photo": true, "ndvi": true, "qc": true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with lot registry config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry.ID == "" {
		return fmt.Errorf("config.registry.id is required")
	}
	if len(c.Proofs.Catalog) == 0 {
		return fmt.Errorf("config.proofs.catalog is required")
	}
	for kind := range c.Proofs.Catalog {
		if !knownProofTypes[kind] {
			return fmt.Errorf("config.proofs.catalog contains unknown proof type %s", kind)
		}
	}
	if c.Orders.Defaults.EscrowDays < 0 {
		return fmt.Errorf("config.orders.defaults.escrow_days must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "lotline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(registryID string) string {
	return fmt.Sprintf(defaultTemplate, registryID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a registry.
func Default(registryID string) *Config {
	var cfg Config
	cfg.Registry.ID = registryID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, registryID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `registry:
  id: %s
  name: Default Registry

proofs:
  catalog:
    photo:
      description: "Geo-tagged field photography"
      requires_geo: true
    ndvi:
      description: "Satellite NDVI vegetation index capture"
      requires_geo: true
    qc:
      description: "Third-party quality control report"
      requires_geo: false

orders:
  defaults:
    currency: EUR
    escrow_days: 30

claims:
  badge_default: false
`
