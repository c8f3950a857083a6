package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tickd/tickd/internal/domain"
)

// Options configures a plugin instance at construction. Zero values mean
// the provider's own defaults.
type Options struct {
	Credentials  Credentials
	BaseURL      string
	RateLimitRPS float64
	Burst        int
}

// Factory constructs a plugin instance from provider options.
type Factory func(opts Options) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a provider factory under its name. Called from plugin
// package init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds a plugin for the named provider.
func New(name string, opts Options) (Plugin, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", domain.ErrNotFound, name)
	}
	return factory(opts)
}

// Registered lists the known provider names, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
