package plugins

import (
	"fmt"
	"sync"

	"github.com/tcmartin/flowengine/pkg/logging"
)

// Source enumerates node implementations for the loader
type Source interface {
	// Name identifies the source; entries it registers carry this name
	Name() string

	// Discover returns the registrations currently provided by the source
	Discover() ([]Registration, error)
}

// StaticSource is a Source over a fixed list of registrations
type StaticSource struct {
	name string
	regs []Registration
}

// NewStaticSource creates a StaticSource
func NewStaticSource(name string, regs ...Registration) *StaticSource {
	return &StaticSource{name: name, regs: regs}
}

func (s *StaticSource) Name() string { return s.name }

func (s *StaticSource) Discover() ([]Registration, error) {
	out := make([]Registration, len(s.regs))
	copy(out, s.regs)
	return out, nil
}

// Loader registers the node types of its sources into a Registry
type Loader struct {
	registry *Registry
	logger   logging.Logger

	mu      sync.Mutex
	sources map[string]Source
	order   []string
}

// NewLoader creates a loader bound to a registry
func NewLoader(registry *Registry, logger logging.Logger) *Loader {
	return &Loader{
		registry: registry,
		logger:   logger.WithFields(logging.F("component", "plugin_loader")),
		sources:  make(map[string]Source),
	}
}

// AddSource adds a source; it is not loaded until Load or Reload is called
func (l *Loader) AddSource(src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sources[src.Name()]; !exists {
		l.order = append(l.order, src.Name())
	}
	l.sources[src.Name()] = src
}

// Load discovers and registers every source
func (l *Loader) Load() error {
	l.mu.Lock()
	names := append([]string(nil), l.order...)
	l.mu.Unlock()

	for _, name := range names {
		if err := l.Reload(name); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-discovers one source and swaps its entries into the registry
func (l *Loader) Reload(name string) error {
	l.mu.Lock()
	src, ok := l.sources[name]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown plugin source '%s'", name)
	}

	regs, err := src.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover node types from '%s': %w", name, err)
	}
	if err := l.registry.Reload(name, regs); err != nil {
		return err
	}

	l.logger.Info("node types loaded", logging.F("source", name), logging.F("count", len(regs)))
	return nil
}
