package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/inknowing/dialogued/pkg/provider/embeddings"
	"github.com/inknowing/dialogued/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. The set of
// names is closed at startup: main registers the built-in factories and
// nothing registers afterwards. It is safe for concurrent use regardless.
type Registry struct {
	mu        sync.RWMutex
	llm       map[string]func(ModelConfig) (llm.Provider, error)
	embedders map[string]func(EmbedderConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:       make(map[string]func(ModelConfig) (llm.Provider, error)),
		embedders: make(map[string]func(EmbedderConfig) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ModelConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbedder registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbedder(name string, factory func(EmbedderConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedders[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// mc.Provider. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(mc ModelConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[mc.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, mc.Provider)
	}
	return factory(mc)
}

// CreateEmbedder instantiates an embeddings provider using the factory
// registered under ec.Provider.
func (r *Registry) CreateEmbedder(ec EmbedderConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embedders[ec.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embedder/%q", ErrProviderNotRegistered, ec.Provider)
	}
	return factory(ec)
}
