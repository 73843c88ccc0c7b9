// Package catalog loads the YAML model catalog and resolves model names to
// ready-to-use references. A catalog declares provider endpoints under
// model_providers and named models under models:
//
//	model_providers:
//	  deepseek:
//	    provider: openai
//	    base_url: https://api.deepseek.com/v1
//	    api_key: ${DEEPSEEK_API_KEY}
//	    tokens_per_minute: 90000
//	models:
//	  common_model:
//	    model: deepseek-chat
//	    model_provider: deepseek
//	    max_tokens: 4096
//
// Each provider gets one client, shared by every model that names it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"goa.design/pulse/rmap"
	"gopkg.in/yaml.v3"

	"github.com/craftcard/craftcard/features/model/anthropic"
	"github.com/craftcard/craftcard/features/model/bedrock"
	"github.com/craftcard/craftcard/features/model/gateway"
	"github.com/craftcard/craftcard/features/model/middleware"
	"github.com/craftcard/craftcard/features/model/openai"
	"github.com/craftcard/craftcard/runtime/craft/crafterr"
	"github.com/craftcard/craftcard/runtime/craft/model"
	"github.com/craftcard/craftcard/runtime/craft/telemetry"
)

// Provider kinds understood by the default factory.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

const defaultMaxTokens = 4096

type (
	// File mirrors the catalog YAML document.
	File struct {
		ModelProviders map[string]ProviderConfig `yaml:"model_providers"`
		Models         map[string]ModelConfig    `yaml:"models"`
		// DefaultModel names the model used when a request omits one.
		DefaultModel string `yaml:"default_model,omitempty"`
	}

	// ProviderConfig describes one provider endpoint.
	ProviderConfig struct {
		// Provider is the adapter kind: openai, anthropic or bedrock.
		// Defaults to openai.
		Provider string `yaml:"provider"`
		BaseURL  string `yaml:"base_url,omitempty"`
		APIKey   string `yaml:"api_key,omitempty"`
		// Region is required for bedrock.
		Region string `yaml:"region,omitempty"`
		// TokensPerMinute enables the adaptive throttle when positive.
		TokensPerMinute float64 `yaml:"tokens_per_minute,omitempty"`
	}

	// ModelConfig describes one named model.
	ModelConfig struct {
		Model         string   `yaml:"model"`
		ModelProvider string   `yaml:"model_provider"`
		MaxTokens     int      `yaml:"max_tokens,omitempty"`
		Temperature   *float64 `yaml:"temperature,omitempty"`
	}

	// Factory builds the client for a provider entry. name is the provider key
	// in the catalog.
	Factory func(name string, cfg ProviderConfig) (model.Client, error)

	// Options configures New.
	Options struct {
		// Factory overrides client construction, mostly for tests.
		Factory Factory
		// Budgets shares throttle budgets across processes when set.
		Budgets *rmap.Map
		// DefaultModel overrides the default declared in the file.
		DefaultModel string
		// Metrics records per-provider latency and token usage when set.
		Metrics telemetry.Metrics
	}

	// Catalog resolves model names to references. It is immutable once built
	// and safe for concurrent use.
	Catalog struct {
		models       map[string]ModelConfig
		providers    map[string]ProviderConfig
		clients      map[string]model.Client
		defaultModel string
	}
)

// Load reads and parses the catalog file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document and expands ${VAR} references in provider
// settings from the environment.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	for name, p := range f.ModelProviders {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.Region = os.ExpandEnv(p.Region)
		if p.Provider == "" {
			p.Provider = ProviderOpenAI
		}
		f.ModelProviders[name] = p
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks cross references between models and providers.
func (f *File) Validate() error {
	if len(f.ModelProviders) == 0 {
		return &crafterr.ConfigError{Key: "model_providers", Reason: "no model providers declared"}
	}
	if len(f.Models) == 0 {
		return &crafterr.ConfigError{Key: "models", Reason: "no models declared"}
	}
	for name, m := range f.Models {
		if m.Model == "" {
			return &crafterr.ConfigError{Key: "models." + name, Reason: "model identifier is required"}
		}
		if _, ok := f.ModelProviders[m.ModelProvider]; !ok {
			return &crafterr.ConfigError{Key: "models." + name, Reason: fmt.Sprintf("model provider %q not found", m.ModelProvider)}
		}
	}
	if f.DefaultModel != "" {
		if _, ok := f.Models[f.DefaultModel]; !ok {
			return &crafterr.ConfigError{Key: "default_model", Reason: fmt.Sprintf("unknown model %q", f.DefaultModel)}
		}
	}
	return nil
}

// New builds one client per provider and returns the catalog.
func New(ctx context.Context, f *File, opts Options) (*Catalog, error) {
	if f == nil {
		return nil, errors.New("catalog file is required")
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	factory := opts.Factory
	if factory == nil {
		factory = DefaultFactory
	}
	c := &Catalog{
		models:       f.Models,
		providers:    f.ModelProviders,
		clients:      make(map[string]model.Client, len(f.ModelProviders)),
		defaultModel: f.DefaultModel,
	}
	if opts.DefaultModel != "" {
		if _, ok := f.Models[opts.DefaultModel]; !ok {
			return nil, &crafterr.ConfigError{Key: "default_model", Reason: fmt.Sprintf("unknown model %q", opts.DefaultModel)}
		}
		c.defaultModel = opts.DefaultModel
	}
	if c.defaultModel == "" && len(f.Models) == 1 {
		for name := range f.Models {
			c.defaultModel = name
		}
	}
	for name, p := range f.ModelProviders {
		client, err := factory(name, p)
		if err != nil {
			return nil, fmt.Errorf("model provider %q: %w", name, err)
		}
		chain := []gateway.Option{
			gateway.WithProvider(client),
			gateway.WithUnary(gateway.Logging(name), gateway.Metrics(name, opts.Metrics)),
		}
		if p.TokensPerMinute > 0 {
			th := middleware.NewThrottle(ctx, middleware.ThrottleOptions{
				TPM:    p.TokensPerMinute,
				MaxTPM: p.TokensPerMinute,
				Map:    opts.Budgets,
				Key:    name,
			})
			chain = append(chain, gateway.WithClient(th.Wrap))
		}
		srv, err := gateway.NewServer(chain...)
		if err != nil {
			return nil, fmt.Errorf("model provider %q: %w", name, err)
		}
		c.clients[name] = srv
	}
	return c, nil
}

// DefaultFactory builds provider clients from their declared kind.
func DefaultFactory(name string, cfg ProviderConfig) (model.Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return openai.NewFromAPIKey(cfg.APIKey, cfg.BaseURL, "")
	case ProviderAnthropic:
		return anthropic.NewFromAPIKey(cfg.APIKey, cfg.BaseURL, "")
	case ProviderBedrock:
		// The model identifier always comes from the request; the default is
		// only needed to satisfy the adapter.
		return bedrock.NewFromRegion(cfg.Region, name)
	default:
		return nil, &crafterr.ConfigError{Key: "model_providers." + name, Reason: fmt.Sprintf("unsupported provider %q", cfg.Provider)}
	}
}

// Resolve returns the reference for the named model. An empty name selects
// the default model.
func (c *Catalog) Resolve(name string) (model.Ref, error) {
	if name == "" {
		name = c.defaultModel
	}
	if name == "" {
		return model.Ref{}, &crafterr.ConfigError{Key: "model", Reason: "no model requested and no default configured"}
	}
	m, ok := c.models[name]
	if !ok {
		return model.Ref{}, &crafterr.ConfigError{Key: "model", Reason: fmt.Sprintf("unknown model %q", name)}
	}
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return model.Ref{
		Name:        name,
		ID:          m.Model,
		Provider:    c.providers[m.ModelProvider].Provider,
		MaxTokens:   maxTokens,
		Temperature: m.Temperature,
		Client:      c.clients[m.ModelProvider],
	}, nil
}

// Names returns the declared model names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.models))
	for n := range c.models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DefaultModel returns the name used when a request omits the model.
func (c *Catalog) DefaultModel() string { return c.defaultModel }
