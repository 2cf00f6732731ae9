package filter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/vswitch/internal/core"
)

// Factory creates a filter named name from its raw config.
type Factory func(name string, cfg map[string]any) (Filter, error)

// Registry maps filter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register("bpf", func(name string, raw map[string]any) (Filter, error) {
		var cfg BPFConfig
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		return NewBPFFilter(name, cfg)
	})
	_ = r.Register("ratelimit", func(name string, raw map[string]any) (Filter, error) {
		var cfg RateLimitConfig
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		return NewRateLimitFilter(name, cfg)
	})
	_ = r.Register("vlan-drop", func(name string, raw map[string]any) (Filter, error) {
		var cfg VLanDropConfig
		if err := decode(raw, &cfg); err != nil {
			return nil, err
		}
		return NewVLanDropFilter(name, cfg)
	})
	return r
}

// Register adds f under kind. A kind registers once.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("filter kind '%s' already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Create builds a filter of kind from its raw options.
func (r *Registry) Create(kind, name string, cfg map[string]any) (Filter, error) {
	r.mu.RLock()
	f, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("filter kind '%s': %w", kind, core.ErrFilterNotFound)
	}
	return f(name, cfg)
}

// Kinds returns the registered kinds sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func decode(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%v: %w", err, core.ErrConfigInvalid)
	}
	return nil
}
