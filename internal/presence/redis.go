package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"delivery-dispatch/internal/geo"
	"delivery-dispatch/internal/metrics"
)

// Keys share the {presence} hash tag so the reserve script stays single-slot
// on Redis Cluster.
const (
	geoKey        = "{presence}:drivers"
	driverKeyBase = "{presence}:driver:"
)

// reserveScript removes the driver from the GEO set and, only if that removal
// happened, drops its metadata. Exactly one concurrent caller sees 1.
var reserveScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('DEL', KEYS[2])
	return 1
end
return 0
`)

// touchScript moves a member only while it is still in the GEO set.
var touchScript = goredis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
	return 0
end
redis.call('GEOADD', KEYS[1], ARGV[3], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], 'lat', ARGV[2], 'lng', ARGV[3], 'updated_at', ARGV[4])
return 1
`)

type RedisRegistry struct {
	client *goredis.Client
	now    func() time.Time
}

func NewRedisRegistry(client *goredis.Client) *RedisRegistry {
	return &RedisRegistry{client: client, now: time.Now}
}

func (r *RedisRegistry) Upsert(ctx context.Context, d LiveDriver) (LiveDriver, error) {
	d.IsAvailable = true
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = r.now()
	}

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.GeoAdd(ctx, geoKey, &goredis.GeoLocation{
			Name:      d.DriverID,
			Longitude: d.Location.Lng,
			Latitude:  d.Location.Lat,
		})
		pipe.HSet(ctx, driverKey(d.DriverID), map[string]any{
			"name":       d.Name,
			"phone":      d.Phone,
			"lat":        strconv.FormatFloat(d.Location.Lat, 'f', -1, 64),
			"lng":        strconv.FormatFloat(d.Location.Lng, 'f', -1, 64),
			"updated_at": strconv.FormatInt(d.UpdatedAt.UnixMilli(), 10),
		})
		return nil
	})
	if err != nil {
		return LiveDriver{}, fmt.Errorf("presence upsert: %w", err)
	}
	return d, nil
}

func (r *RedisRegistry) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, geoKey, driverID)
		pipe.Del(ctx, driverKey(driverID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Reserve(ctx context.Context, driverID string) (bool, error) {
	n, err := reserveScript.Run(ctx, r.client, []string{geoKey, driverKey(driverID)}, driverID).Int()
	if err != nil {
		return false, fmt.Errorf("presence reserve: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Touch(ctx context.Context, driverID string, loc geo.Location, at time.Time) (bool, error) {
	n, err := touchScript.Run(ctx, r.client, []string{geoKey, driverKey(driverID)},
		driverID,
		strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		strconv.FormatInt(at.UnixMilli(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("presence touch: %w", err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Get(ctx context.Context, driverID string) (*LiveDriver, bool, error) {
	fields, err := r.client.HGetAll(ctx, driverKey(driverID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("presence get: %w", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	d, err := parseDriver(driverID, fields)
	if err != nil {
		return nil, false, err
	}
	return &d, true, nil
}

func (r *RedisRegistry) ListAvailable(ctx context.Context) ([]LiveDriver, error) {
	ids, err := r.client.ZRange(ctx, geoKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	out, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	metrics.DriversAvailable.Set(float64(len(out)))
	return out, nil
}

func (r *RedisRegistry) Nearby(ctx context.Context, center geo.Location, radiusKM float64) ([]LiveDriver, error) {
	ids, err := r.client.GeoSearch(ctx, geoKey, &goredis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusKM,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence nearby: %w", err)
	}
	return r.load(ctx, ids)
}

// load fetches metadata for the given ids. Members whose hash vanished between
// the two reads were reserved concurrently and are skipped.
func (r *RedisRegistry) load(ctx context.Context, ids []string) ([]LiveDriver, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, driverKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence load: %w", err)
	}

	out := make([]LiveDriver, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		d, err := parseDriver(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sortByFreshness(out)
	return out, nil
}

func parseDriver(id string, fields map[string]string) (LiveDriver, error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return LiveDriver{}, fmt.Errorf("presence driver %s: bad lat: %w", id, err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return LiveDriver{}, fmt.Errorf("presence driver %s: bad lng: %w", id, err)
	}
	ms, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return LiveDriver{}, fmt.Errorf("presence driver %s: bad updated_at: %w", id, err)
	}
	return LiveDriver{
		DriverID:    id,
		Name:        fields["name"],
		Phone:       fields["phone"],
		Location:    geo.NewLocation(lat, lng),
		IsAvailable: true,
		UpdatedAt:   time.UnixMilli(ms),
	}, nil
}

func driverKey(driverID string) string {
	return driverKeyBase + driverID
}
