package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory creates a Capability for a registered SDK driver. dsn carries
// driver-specific options, in whatever format the driver documents.
type Factory func(dsn string) (Capability, error)

// ErrUnknownDriver is returned by Open for a name nobody registered.
var ErrUnknownDriver = errors.New("adapter: unknown sdk driver")

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Factory)
)

// Register makes a driver available by name.
// Bundled drivers call this from init(). It panics if f is nil or name is taken.
func Register(name string, f Factory) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if f == nil {
		panic("adapter: Register factory is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("adapter: Register called twice for driver " + name)
	}
	drivers[name] = f
}

// Open creates a Capability from the named driver.
func Open(name, dsn string) (Capability, error) {
	driversMu.RLock()
	f, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownDriver, name, Drivers())
	}
	return f(dsn)
}

// Drivers returns the sorted registered driver names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
