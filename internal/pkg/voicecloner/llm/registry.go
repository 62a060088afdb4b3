package llm

import (
	"fmt"
	"sort"
	"sync"
)

type Factory func(cfg Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Choice]Factory)
)

func init() {
	Register(Local, NewLocalProvider)
	Register(Cloud, NewCloudProvider)
}

func Register(choice Choice, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("llm: Register factory is nil")
	}
	if _, dup := registry[choice]; dup {
		panic("llm: Register called twice for " + string(choice))
	}
	registry[choice] = factory
}

// New builds the provider registered for choice. Construction never touches
// the network.
func New(choice Choice, cfg Config) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[choice]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (registered: %v)", choice, Choices())
	}
	return factory(cfg)
}

func Choices() []Choice {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Choice, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Set hands out one provider per choice, built on first request and then
// reused. A failed construction is not cached.
type Set struct {
	mu      sync.Mutex
	configs map[Choice]Config
	built   map[Choice]Provider
}

func NewSet(configs map[Choice]Config) *Set {
	return &Set{
		configs: configs,
		built:   make(map[Choice]Provider),
	}
}

func (s *Set) Provider(choice Choice) (Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.built[choice]; ok {
		return p, nil
	}
	cfg, ok := s.configs[choice]
	if !ok {
		return nil, fmt.Errorf("llm: provider %q not configured", choice)
	}
	p, err := New(choice, cfg)
	if err != nil {
		return nil, err
	}
	s.built[choice] = p
	return p, nil
}
