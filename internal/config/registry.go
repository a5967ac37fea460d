package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/donka/pkg/audio"
)

var (
	// ErrDriverNotRegistered is returned when no [Driver] is registered
	// under the requested name, typically because the binary was built
	// without the driver's build tag.
	ErrDriverNotRegistered = errors.New("config: input driver not registered")

	// ErrNoDeviceList is returned by [Registry.Devices] for drivers that
	// cannot enumerate devices, such as the browser gateway.
	ErrNoDeviceList = errors.New("config: input driver cannot list devices")
)

// Driver is one input backend compiled into the binary.
type Driver struct {
	// Open builds the [audio.Source] for the input section. Required.
	Open func(InputConfig) (audio.Source, error)

	// Devices lists the names accepted as input.device. Optional.
	Devices func() ([]string, error)
}

// Registry maps input driver names to their backends. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds d under name, replacing an earlier registration. It panics
// when d.Open is nil.
func (r *Registry) Register(name string, d Driver) {
	if d.Open == nil {
		panic(fmt.Sprintf("config: driver %q registered without Open", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[name] = d
}

func (r *Registry) lookup(name string) (Driver, error) {
	r.mu.RLock()
	d, ok := r.drivers[name]
	r.mu.RUnlock()
	if !ok {
		return Driver{}, fmt.Errorf("%w: %q (compiled in: %v)", ErrDriverNotRegistered, name, r.Drivers())
	}
	return d, nil
}

// CreateInput builds the source of the driver named by in.Driver.
func (r *Registry) CreateInput(in InputConfig) (audio.Source, error) {
	d, err := r.lookup(in.Driver)
	if err != nil {
		return nil, err
	}
	src, err := d.Open(in)
	if err != nil {
		return nil, fmt.Errorf("config: create input %q: %w", in.Driver, err)
	}
	return src, nil
}

// Devices lists the devices of the named driver.
func (r *Registry) Devices(driver string) ([]string, error) {
	d, err := r.lookup(driver)
	if err != nil {
		return nil, err
	}
	if d.Devices == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoDeviceList, driver)
	}
	return d.Devices()
}

// Drivers returns the registered driver names, sorted.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
