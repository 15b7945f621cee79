package pipeline

import (
	"fmt"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/pipevm/pipevm/engine/core"
)

// Registry is the process-lifetime store of pipeline definitions: named
// registrations plus a load-through LRU cache of definitions parsed from
// disk. It is constructed explicitly and passed in, never a package global.
type Registry struct {
	mu    sync.RWMutex
	named map[string]*Config
	files *lru.Cache[string, *Config]
	known KnownTypes
}

func NewRegistry(cacheSize int, known KnownTypes) (*Registry, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	files, err := lru.New[string, *Config](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create definition cache: %w", err)
	}
	return &Registry{
		named: make(map[string]*Config),
		files: files,
		known: known,
	}, nil
}

// Register stores an in-memory definition under its name, making it
// addressable by pipeline_ref.
func (r *Registry) Register(config *Config) error {
	if config == nil || config.Name == "" {
		return core.Errorf(core.CodeConfiguration, "cannot register a pipeline without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.named[config.Name]; exists {
		return core.Errorf(core.CodeConfiguration, "pipeline %q is already registered", config.Name)
	}
	r.named[config.Name] = config
	return nil
}

// LookupRef resolves a pipeline_ref against named registrations.
func (r *Registry) LookupRef(name string) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	config, ok := r.named[name]
	if !ok {
		return nil, core.Errorf(core.CodeConfiguration, "pipeline reference %q not found", name)
	}
	return config, nil
}

// LoadFile resolves a pipeline_file through the cache, parsing and validating
// on miss. Paths are cached by absolute form.
func (r *Registry) LoadFile(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	if cached, ok := r.files.Get(absPath); ok {
		return cached, nil
	}
	config, err := Load(absPath, r.known)
	if err != nil {
		return nil, err
	}
	r.files.Add(absPath, config)
	return config, nil
}

// Evict drops a cached file definition, forcing a re-parse on next load.
func (r *Registry) Evict(path string) {
	if absPath, err := filepath.Abs(path); err == nil {
		r.files.Remove(absPath)
	}
}
