package transport

import (
	"slices"
	"sync"

	"github.com/arloliu/go-termcom/device"
	"github.com/arloliu/go-termcom/errs"
	"github.com/arloliu/go-termcom/logger"
)

// Factory creates a new, unconnected Transport.
type Factory func() Transport

// Registry maps a protocol kind to the factory of its Transport implementation.
type Registry struct {
	mu        sync.RWMutex
	factories map[device.Kind]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[device.Kind]Factory)}
}

// NewDefaultRegistry creates a registry with the serial and TCP transports registered.
// All TCP transports created by it share one listener pool.
func NewDefaultRegistry(l logger.Logger) *Registry {
	if l == nil {
		l = logger.GetLogger()
	}

	pool := NewListenerPool(l)
	reg := NewRegistry()
	_ = reg.Register(device.KindSerial, func() Transport {
		return NewSerial(WithSerialLogger(l))
	})
	_ = reg.Register(device.KindTCP, func() Transport {
		return NewTCP(WithTCPLogger(l), WithListenerPool(pool))
	})

	return reg
}

// Register registers factory for kind, replacing any previous registration.
func (r *Registry) Register(kind device.Kind, factory Factory) error {
	const op = "transport.registry.register"

	if kind == "" {
		return errs.New(errs.KindInvalidInput, op, "empty transport kind")
	}
	if factory == nil {
		return errs.New(errs.KindInvalidInput, op, "nil factory for %s", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory

	return nil
}

// New creates a transport of the given kind.
func (r *Registry) New(kind device.Kind) (Transport, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()

	if !ok {
		return nil, errs.New(errs.KindConfig, "transport.registry.new", "unsupported transport %q", kind)
	}

	return factory(), nil
}

// Resolve creates a transport matching the link kind of cfg.
func (r *Registry) Resolve(cfg *device.Config) (Transport, error) {
	if cfg == nil {
		return nil, errs.New(errs.KindInvalidInput, "transport.registry.resolve", "device config is nil")
	}

	return r.New(cfg.Kind())
}

// Kinds returns the registered protocol kinds in sorted order.
func (r *Registry) Kinds() []device.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]device.Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)

	return kinds
}
