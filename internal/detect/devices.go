package detect

import (
	"fmt"
	"sync"
)

// DefaultDevice is the claim key used when constraints do not name a device.
const DefaultDevice = "default"

// Devices tracks which session owns each input device. Sessions sharing a
// Devices value cannot run on the same device at the same time.
//
// All methods are safe for concurrent use.
type Devices struct {
	mu     sync.Mutex
	claims map[string]string // device → owner
}

// NewDevices returns an empty registry.
func NewDevices() *Devices {
	return &Devices{claims: make(map[string]string)}
}

// Claim assigns device to owner. It fails with [ErrSessionAlreadyActive] when
// another owner holds the device; claiming a device twice for the same owner
// fails as well.
func (d *Devices) Claim(device, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.claims[device]; ok {
		return fmt.Errorf("detect: device %q held by %s: %w", device, cur, ErrSessionAlreadyActive)
	}
	d.claims[device] = owner
	return nil
}

// Release drops the claim on device if owner holds it. It reports whether a
// claim was dropped.
func (d *Devices) Release(device, owner string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claims[device] != owner {
		return false
	}
	delete(d.claims, device)
	return true
}

// Owner returns the current owner of device.
func (d *Devices) Owner(device string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	owner, ok := d.claims[device]
	return owner, ok
}

// deviceKey returns the claim key for a device ID.
func deviceKey(id string) string {
	if id == "" {
		return DefaultDevice
	}
	return id
}
