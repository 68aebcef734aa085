package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/mrmushfiq/langroute/internal/shared/models"
	"gopkg.in/yaml.v3"
)

// Catalog is the declarative provider and model configuration.
type Catalog struct {
	Providers map[string]ProviderEntry `yaml:"providers"`
	Models    map[string]ModelEntry    `yaml:"models"`
}

// ProviderEntry configures one upstream provider.
type ProviderEntry struct {
	APIBase    string `yaml:"api_base"`
	APIVersion string `yaml:"api_version"`
}

// ModelEntry configures one model.
type ModelEntry struct {
	Provider string    `yaml:"provider"`
	Fallback []string  `yaml:"fallback"`
	Cost     CostEntry `yaml:"cost_per_1k_tokens"`
}

// CostEntry is the per-1000-token price pair.
type CostEntry struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// LoadCatalog reads a YAML catalog file and expands environment variables.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog([]byte(os.ExpandEnv(string(data))))
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every model references a configured provider.
func (c *Catalog) Validate() error {
	for name, p := range c.Providers {
		if p.APIBase == "" {
			return fmt.Errorf("provider %s: api_base is required", name)
		}
	}
	for name, m := range c.Models {
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %s: unknown provider %q", name, m.Provider)
		}
		if m.Cost.Input < 0 || m.Cost.Output < 0 {
			return fmt.Errorf("model %s: negative cost", name)
		}
	}
	return nil
}

// ProviderRecords returns the providers sorted by name.
func (c *Catalog) ProviderRecords() []models.Provider {
	out := make([]models.Provider, 0, len(c.Providers))
	for name, p := range c.Providers {
		out = append(out, models.Provider{Name: name, BaseURL: p.APIBase, APIVersion: p.APIVersion})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelRecords returns the models sorted by name.
func (c *Catalog) ModelRecords() []models.Model {
	out := make([]models.Model, 0, len(c.Models))
	for name, m := range c.Models {
		fallback := m.Fallback
		if fallback == nil {
			fallback = []string{}
		}
		out = append(out, models.Model{
			Name:            name,
			Provider:        m.Provider,
			Fallback:        fallback,
			InputCostPer1k:  m.Cost.Input,
			OutputCostPer1k: m.Cost.Output,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
