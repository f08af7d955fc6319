package technicians

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dispatch-service/pkg/geo"
	rredis "dispatch-service/pkg/redis"
)

// Redis layout:
//
//	tech:<id>                 hash  category, lat, lng, accuracy, heading, speed,
//	                                availability, rating, updated_at (unix micros)
//	tech:available:<category> geo   members are available technicians with a position
//	tech:polar:<category>     set   available technicians beyond the GEO latitude limit
const (
	techKeyPrefix  = "tech:"
	geoKeyPrefix   = "tech:available:"
	polarKeyPrefix = "tech:polar:"
)

// geoMaxLat is the latitude limit of Redis GEO commands.
const geoMaxLat = 85.05112878

// upsertScript applies a guarded write and keeps the per-category GEO set in
// sync with availability. Returns -1 unknown, 0 stale, 1 applied.
//
// KEYS[1] is the hash key. ARGV: id, reported_at, has_position, lat, lng,
// accuracy, heading, speed, availability ('' keeps stored), geo key prefix,
// polar key prefix, latitude limit.
var upsertScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and cur ~= '' and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
if ARGV[3] == '1' then
  redis.call('HSET', KEYS[1], 'lat', ARGV[4], 'lng', ARGV[5],
    'accuracy', ARGV[6], 'heading', ARGV[7], 'speed', ARGV[8])
end
local avail = ARGV[9]
if avail == '' then
  avail = redis.call('HGET', KEYS[1], 'availability')
end
redis.call('HSET', KEYS[1], 'availability', avail, 'updated_at', ARGV[2])
local category = redis.call('HGET', KEYS[1], 'category')
local geoKey = ARGV[10] .. category
local polarKey = ARGV[11] .. category
local lat = redis.call('HGET', KEYS[1], 'lat')
local lng = redis.call('HGET', KEYS[1], 'lng')
if avail == 'available' and lat and lat ~= '' then
  if math.abs(tonumber(lat)) <= tonumber(ARGV[12]) then
    redis.call('GEOADD', geoKey, lng, lat, ARGV[1])
    redis.call('SREM', polarKey, ARGV[1])
  else
    redis.call('ZREM', geoKey, ARGV[1])
    redis.call('SADD', polarKey, ARGV[1])
  end
else
  redis.call('ZREM', geoKey, ARGV[1])
  redis.call('SREM', polarKey, ARGV[1])
end
return 1
`)

// RedisStore is a LocationStore for high-frequency deployments. Writes go
// through one Lua script so the staleness check and the write are atomic.
type RedisStore struct {
	rdb *goredis.Client
}

// NewRedisStore creates a store on c.
func NewRedisStore(c *rredis.Client) *RedisStore {
	return &RedisStore{rdb: c.RDB()}
}

func techKey(id string) string          { return techKeyPrefix + id }
func geoKey(category Category) string   { return geoKeyPrefix + string(category) }
func polarKey(category Category) string { return polarKeyPrefix + string(category) }

func (s *RedisStore) Register(ctx context.Context, technicianID string, category Category, rating float64) error {
	key := techKey(technicianID)
	created, err := s.rdb.HSetNX(ctx, key, "category", string(category)).Result()
	if err != nil || !created {
		return err
	}
	return s.rdb.HSet(ctx, key,
		"availability", string(Offline),
		"rating", strconv.FormatFloat(rating, 'f', -1, 64),
	).Err()
}

func (s *RedisStore) UpsertLocation(ctx context.Context, u LocationUpdate) (bool, error) {
	return s.run(ctx, u.TechnicianID, u.ReportedAt, true,
		formatFloat(&u.Lat), formatFloat(&u.Lng),
		formatFloat(u.Accuracy), formatFloat(u.Heading), formatFloat(u.Speed),
		string(u.Availability))
}

func (s *RedisStore) SetAvailability(ctx context.Context, technicianID string, a Availability, at time.Time) (bool, error) {
	return s.run(ctx, technicianID, at, false, "", "", "", "", "", string(a))
}

func (s *RedisStore) run(ctx context.Context, id string, at time.Time, hasPosition bool,
	lat, lng, accuracy, heading, speed, availability string) (bool, error) {
	pos := "0"
	if hasPosition {
		pos = "1"
	}
	res, err := upsertScript.Run(ctx, s.rdb, []string{techKey(id)},
		id, at.UnixMicro(), pos, lat, lng, accuracy, heading, speed, availability,
		geoKeyPrefix, polarKeyPrefix, strconv.FormatFloat(geoMaxLat, 'f', -1, 64),
	).Int()
	if err != nil {
		return false, fmt.Errorf("upsert technician %s: %w", id, err)
	}
	switch res {
	case -1:
		return false, ErrTechnicianNotFound
	case 0:
		return false, nil
	default:
		return true, nil
	}
}

func (s *RedisStore) AvailableByCategory(ctx context.Context, category Category) ([]Technician, error) {
	ids, err := s.rdb.ZRange(ctx, geoKey(category), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	polar, err := s.rdb.SMembers(ctx, polarKey(category)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, append(ids, polar...))
}

// AvailableWithin uses GEOSEARCH. Redis works on its own Earth radius and
// geohash precision, so the search radius is padded slightly. Technicians
// beyond the GEO latitude limit are always included, and an origin beyond it
// scans the whole category.
func (s *RedisStore) AvailableWithin(ctx context.Context, category Category, origin geo.Coordinate, radiusKm float64) ([]Technician, error) {
	if math.Abs(origin.Lat) > geoMaxLat {
		return s.AvailableByCategory(ctx, category)
	}
	ids, err := s.rdb.GeoSearch(ctx, geoKey(category), &goredis.GeoSearchQuery{
		Longitude:  origin.Lng,
		Latitude:   origin.Lat,
		Radius:     radiusKm*1.01 + 0.01,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	polar, err := s.rdb.SMembers(ctx, polarKey(category)).Result()
	if err != nil {
		return nil, err
	}
	return s.load(ctx, append(ids, polar...))
}

// load reads exact coordinates from the hashes; GEO positions are quantized.
func (s *RedisStore) load(ctx context.Context, ids []string) ([]Technician, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, techKey(id), "lat", "lng", "rating", "availability")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return nil, err
	}

	out := make([]Technician, 0, len(ids))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		lat, okLat := parseFloat(vals[0])
		lng, okLng := parseFloat(vals[1])
		if !okLat || !okLng || vals[3] != string(Available) {
			continue
		}
		rating, _ := parseFloat(vals[2])
		out = append(out, Technician{ID: ids[i], Lat: lat, Lng: lng, Rating: rating})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) GetLocation(ctx context.Context, technicianID string) (*LocationRecord, error) {
	h, err := s.rdb.HGetAll(ctx, techKey(technicianID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrTechnicianNotFound
	}
	rec := &LocationRecord{
		TechnicianID: technicianID,
		Category:     Category(h["category"]),
		Availability: Availability(h["availability"]),
		Lat:          parseOptional(h["lat"]),
		Lng:          parseOptional(h["lng"]),
		Accuracy:     parseOptional(h["accuracy"]),
		Heading:      parseOptional(h["heading"]),
		Speed:        parseOptional(h["speed"]),
	}
	if r := parseOptional(h["rating"]); r != nil {
		rec.Rating = *r
	}
	if us, err := strconv.ParseInt(h["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMicro(us).UTC()
	}
	return rec, nil
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func parseOptional(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseFloat(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
