package provider

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"privroute/internal/config"
	"privroute/internal/domain"
)

// Constructor builds a cloud provider from its config entry.
type Constructor func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.StreamingProvider

// Factory creates and caches providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.StreamingProvider
	local        *Ollama
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.StreamingProvider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds or replaces the constructor for a provider type.
func (f *Factory) RegisterConstructor(typ string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[typ] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["openai"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.StreamingProvider {
		return NewOpenAI(OpenAIConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Client:  StreamingHTTPClient(timeout(pc)),
			Logger:  logger,
		})
	}
	f.constructors["anthropic"] = func(name string, pc config.ProviderConfig, logger *slog.Logger) domain.StreamingProvider {
		return NewClaude(ClaudeConfig{
			Name:    name,
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Client:  StreamingHTTPClient(timeout(pc)),
			Logger:  logger,
		})
	}
}

func timeout(pc config.ProviderConfig) time.Duration {
	return time.Duration(pc.TimeoutSeconds) * time.Second
}

// Get returns the cloud provider with the given name. Instances are cached.
func (f *Factory) Get(name string) (domain.StreamingProvider, error) {
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	if pc.Type == "ollama" {
		return nil, fmt.Errorf("provider %s is a local runtime", name)
	}
	ctor, found := f.constructors[pc.Type]
	if !found {
		return nil, fmt.Errorf("provider %s: no constructor for type %s", name, pc.Type)
	}
	p := ctor(name, pc, f.logger.With("provider", name))
	f.cache[name] = p
	return p, nil
}

// CloudFor returns the provider serving a cloud model. With a failover chain
// configured, the model's own provider goes first and the chain follows.
func (f *Factory) CloudFor(modelID string) (domain.StreamingProvider, error) {
	info, err := f.cfg.ModelInfo(modelID)
	if err != nil {
		return nil, err
	}
	primary, err := f.Get(info.Provider)
	if len(f.cfg.General.FailoverChain) == 0 {
		return primary, err
	}

	var chain []domain.StreamingProvider
	if err == nil {
		chain = append(chain, primary)
	} else {
		f.logger.Warn("primary provider unusable, relying on failover chain", "provider", info.Provider, "error", err)
	}
	for _, name := range f.cfg.General.FailoverChain {
		if name == info.Provider {
			continue
		}
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("skipping failover provider", "provider", name, "error", err)
			continue
		}
		chain = append(chain, p)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no usable provider for model %s", modelID)
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return NewFailoverProvider(chain, f.logger), nil
}

// Local returns the on-device runtime serving the configured local model,
// or nil when no local model is configured.
func (f *Factory) Local() *Ollama {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local != nil {
		return f.local
	}
	id := f.cfg.LocalModelID()
	if id == "" {
		return nil
	}
	info, err := f.cfg.ModelInfo(id)
	if err != nil {
		return nil
	}
	pc := f.cfg.Providers[info.Provider]
	f.local = NewOllama(OllamaConfig{
		APIBase:      pc.APIBase,
		DefaultModel: id,
		Client:       SharedHTTPClient(timeout(pc)),
		Logger:       f.logger.With("provider", info.Provider),
	})
	return f.local
}
