package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// BackendConfig carries the per-backend settings; each backend reads only
// its own section.
type BackendConfig struct {
	Serial SerialConfig
	GPIO   GPIOConfig
	// Pins overrides pin lookup for the gpio backend.
	Pins PinResolver
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg BackendConfig, opts Options) (Interface, error)

var backends = map[string]Factory{
	"sim": func(_ context.Context, _ BackendConfig, opts Options) (Interface, error) {
		return NewSim(opts), nil
	},
	"serial": func(ctx context.Context, cfg BackendConfig, opts Options) (Interface, error) {
		s, err := NewSerial(ctx, cfg.Serial, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"gpio": func(ctx context.Context, cfg BackendConfig, opts Options) (Interface, error) {
		g, err := NewGPIO(ctx, cfg.GPIO, cfg.Pins, opts)
		if err != nil {
			return nil, err
		}
		return g, nil
	},
}

// Historical probe_type names still found in task tables.
var aliases = map[string]string{
	"probe":       "sim",
	"serialprobe": "serial",
	"rpprobe":     "gpio",
}

// Open constructs the backend registered under name (case-insensitive).
func Open(ctx context.Context, name string, cfg BackendConfig, opts Options) (Interface, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	factory, ok := backends[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return factory(ctx, cfg, opts)
}

// Backends lists the registered backend names.
func Backends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
