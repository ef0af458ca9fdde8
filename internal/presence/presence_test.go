package presence_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/presence"
	"delivery-dispatch/internal/testutil"
)

func registryContract(t *testing.T, newRegistry func(t *testing.T) presence.Registry) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("upsert then get", func(t *testing.T) {
		r := newRegistry(t)
		saved, err := r.Upsert(ctx, presence.LiveDriver{
			DriverID: "d1", Name: "Nimal", Phone: "0771234567",
			Location: geo.NewLocation(6.91, 79.85), UpdatedAt: base,
		})
		require.NoError(t, err)
		assert.True(t, saved.IsAvailable)

		got, ok, err := r.Get(ctx, "d1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Nimal", got.Name)
		assert.InDelta(t, 6.91, got.Location.Lat, 1e-4)
		assert.True(t, got.UpdatedAt.Equal(base))
	})

	t.Run("reserve is remove if present", func(t *testing.T) {
		r := newRegistry(t)
		_, err := r.Upsert(ctx, presence.LiveDriver{DriverID: "d1", Location: geo.NewLocation(6.91, 79.85), UpdatedAt: base})
		require.NoError(t, err)

		won, err := r.Reserve(ctx, "d1")
		require.NoError(t, err)
		assert.True(t, won)

		won, err = r.Reserve(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, won)

		_, ok, err := r.Get(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent reserve has one winner", func(t *testing.T) {
		r := newRegistry(t)
		_, err := r.Upsert(ctx, presence.LiveDriver{DriverID: "d1", Location: geo.NewLocation(6.91, 79.85), UpdatedAt: base})
		require.NoError(t, err)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if ok, err := r.Reserve(ctx, "d1"); err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("list orders by freshness", func(t *testing.T) {
		r := newRegistry(t)
		for i, id := range []string{"late", "early", "mid"} {
			offset := []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute}[i]
			_, err := r.Upsert(ctx, presence.LiveDriver{DriverID: id, Location: geo.NewLocation(6.9, 79.85), UpdatedAt: base.Add(offset)})
			require.NoError(t, err)
		}

		list, err := r.ListAvailable(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "early", list[0].DriverID)
		assert.Equal(t, "mid", list[1].DriverID)
		assert.Equal(t, "late", list[2].DriverID)
	})

	t.Run("nearby filters by radius", func(t *testing.T) {
		r := newRegistry(t)
		_, err := r.Upsert(ctx, presence.LiveDriver{DriverID: "near", Location: geo.NewLocation(6.91, 79.85), UpdatedAt: base})
		require.NoError(t, err)
		_, err = r.Upsert(ctx, presence.LiveDriver{DriverID: "far", Location: geo.NewLocation(6.95, 79.90), UpdatedAt: base})
		require.NoError(t, err)

		list, err := r.Nearby(ctx, geo.NewLocation(6.90, 79.85), 5)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "near", list[0].DriverID)
	})

	t.Run("touch only moves present drivers", func(t *testing.T) {
		r := newRegistry(t)
		_, err := r.Upsert(ctx, presence.LiveDriver{DriverID: "d1", Name: "Nimal", Location: geo.NewLocation(6.91, 79.85), UpdatedAt: base})
		require.NoError(t, err)

		ok, err := r.Touch(ctx, "d1", geo.NewLocation(6.92, 79.86), base.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		got, _, err := r.Get(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "Nimal", got.Name)
		assert.InDelta(t, 6.92, got.Location.Lat, 1e-4)
		assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

		won, err := r.Reserve(ctx, "d1")
		require.NoError(t, err)
		require.True(t, won)

		ok, err = r.Touch(ctx, "d1", geo.NewLocation(6.93, 79.86), base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		_, present, err := r.Get(ctx, "d1")
		require.NoError(t, err)
		assert.False(t, present)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Remove(ctx, "ghost"))
		list, err := r.ListAvailable(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, func(*testing.T) presence.Registry {
		return presence.NewMemoryRegistry()
	})
}

func TestRedisRegistry(t *testing.T) {
	testutil.SkipIfNoInfra(t)
	client := testutil.Redis(t)

	registryContract(t, func(t *testing.T) presence.Registry {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return presence.NewRedisRegistry(client)
	})
}
