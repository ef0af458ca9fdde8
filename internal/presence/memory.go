package presence

import (
	"context"
	"sync"
	"time"

	"delivery-dispatch/internal/geo"
)

// MemoryRegistry keeps presence in process. Suitable for a single instance.
type MemoryRegistry struct {
	mu      sync.Mutex
	drivers map[string]LiveDriver
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{drivers: make(map[string]LiveDriver), now: time.Now}
}

func (m *MemoryRegistry) Upsert(_ context.Context, d LiveDriver) (LiveDriver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d.IsAvailable = true
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = m.now()
	}
	m.drivers[d.DriverID] = d
	return d, nil
}

func (m *MemoryRegistry) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.drivers, driverID)
	return nil
}

func (m *MemoryRegistry) Reserve(_ context.Context, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.drivers[driverID]; !ok {
		return false, nil
	}
	delete(m.drivers, driverID)
	return true, nil
}

func (m *MemoryRegistry) Touch(_ context.Context, driverID string, loc geo.Location, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[driverID]
	if !ok {
		return false, nil
	}
	d.Location = loc
	d.UpdatedAt = at
	m.drivers[driverID] = d
	return true, nil
}

func (m *MemoryRegistry) Get(_ context.Context, driverID string) (*LiveDriver, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.drivers[driverID]
	if !ok {
		return nil, false, nil
	}
	return &d, true, nil
}

func (m *MemoryRegistry) ListAvailable(_ context.Context) ([]LiveDriver, error) {
	m.mu.Lock()
	out := make([]LiveDriver, 0, len(m.drivers))
	for _, d := range m.drivers {
		out = append(out, d)
	}
	m.mu.Unlock()

	sortByFreshness(out)
	return out, nil
}

func (m *MemoryRegistry) Nearby(ctx context.Context, center geo.Location, radiusKM float64) ([]LiveDriver, error) {
	all, _ := m.ListAvailable(ctx)
	out := all[:0]
	for _, d := range all {
		if geo.HaversineKM(center, d.Location) <= radiusKM {
			out = append(out, d)
		}
	}
	return out, nil
}
