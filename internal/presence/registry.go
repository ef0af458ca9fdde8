package presence

import (
	"context"
	"sort"
	"time"

	"delivery-dispatch/internal/geo"
)

// LiveDriver is one entry of the presence registry: a driver that may be
// offered new work.
type LiveDriver struct {
	DriverID    string       `json:"driverId"`
	Name        string       `json:"name"`
	Phone       string       `json:"phone"`
	Location    geo.Location `json:"coordinates"`
	IsAvailable bool         `json:"isAvailable"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Registry is the set of drivers eligible for new assignments. Mutations are
// keyed by driver id; Reserve is the only operation dispatch may use to take a
// driver out of the set.
type Registry interface {
	Upsert(ctx context.Context, d LiveDriver) (LiveDriver, error)
	Remove(ctx context.Context, driverID string) error
	// Reserve atomically removes the driver if present and reports whether
	// this call was the one that removed it.
	Reserve(ctx context.Context, driverID string) (bool, error)
	// Touch moves a driver that is still in the set and reports whether it
	// was. It never re-adds a driver that was reserved or went offline.
	Touch(ctx context.Context, driverID string, loc geo.Location, at time.Time) (bool, error)
	Get(ctx context.Context, driverID string) (*LiveDriver, bool, error)
	ListAvailable(ctx context.Context) ([]LiveDriver, error)
	Nearby(ctx context.Context, center geo.Location, radiusKM float64) ([]LiveDriver, error)
}

// sortByFreshness orders drivers by UpdatedAt ascending, then id, so listings
// are deterministic regardless of backend iteration order.
func sortByFreshness(ds []LiveDriver) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].UpdatedAt.Equal(ds[j].UpdatedAt) {
			return ds[i].UpdatedAt.Before(ds[j].UpdatedAt)
		}
		return ds[i].DriverID < ds[j].DriverID
	})
}
