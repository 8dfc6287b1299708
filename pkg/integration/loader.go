package integration

import (
	"errors"
	"fmt"
	goplugin "plugin"
	"strings"
	"sync"
)

// Loader resolves a manifest entrypoint reference into a Factory.
type Loader interface {
	Load(ref string) (Factory, error)
}

var (
	builtinsMu sync.RWMutex
	builtins   = map[string]Factory{}
)

// Register adds a compiled-in integration factory under the given entrypoint
// name. Packages register themselves from init, driver-style; the binary
// selects them with blank imports.
func Register(name string, factory Factory) {
	if name == "" || factory == nil {
		return
	}
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	builtins[name] = factory
}

// Builtins returns the registered entrypoint names.
func Builtins() []string {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

// BuiltinLoader resolves entrypoints against the compiled-in registry.
type BuiltinLoader struct{}

// Load implements Loader.
func (BuiltinLoader) Load(ref string) (Factory, error) {
	builtinsMu.RLock()
	factory, ok := builtins[ref]
	builtinsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no builtin integration registered for entrypoint %q", ref)
	}
	return factory, nil
}

// GoPluginLoader opens a shared object and searches for an `Integration`
// symbol satisfying the lifecycle contract.
type GoPluginLoader struct{}

// Load implements Loader.
func (GoPluginLoader) Load(ref string) (Factory, error) {
	if ref == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(ref)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Integration")
	if err != nil {
		return nil, err
	}
	switch impl := symbol.(type) {
	case Integration:
		return func() Integration { return impl }, nil
	case *Integration:
		if impl == nil || *impl == nil {
			return nil, errors.New("integration symbol is nil")
		}
		inst := *impl
		return func() Integration { return inst }, nil
	case func() Integration:
		return impl, nil
	default:
		return nil, errors.New("integration symbol must implement integration.Integration")
	}
}

// DefaultLoader dispatches on the entrypoint shape: a `.so` path goes through
// the Go plugin mechanism, anything else through the builtin registry.
type DefaultLoader struct {
	Builtin BuiltinLoader
	Plugin  GoPluginLoader
}

// Load implements Loader.
func (l DefaultLoader) Load(ref string) (Factory, error) {
	if strings.HasSuffix(ref, ".so") {
		return l.Plugin.Load(ref)
	}
	return l.Builtin.Load(ref)
}
