package state

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/paystream/fraud-engine/configs"
)

// Per-user key TTLs. Refreshed on every write; entries decay without
// explicit deletion.
const (
	txTimesTTL   = 2 * 24 * time.Hour
	amountsTTL   = 90 * 24 * time.Hour
	firstSeenTTL = 90 * 24 * time.Hour
	lastLocTTL   = 30 * 24 * time.Hour

	txTimesWindow = 24 * 3600 // seconds retained in the tx-time series
	secondsPerDay = 86400
)

// Client provides typed operations over the warm per-user state store.
//
// Every operation degrades on transport failure rather than failing the
// pipeline: reads return the absent/zero value and writes are best-effort
// (logged, not retried inline).
type Client struct {
	rdb *redis.Client
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg configs.RedisConfig) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Msg("State store connection established")
	return &Client{rdb: rdb}, nil
}

// NewClientFromRedis wraps an existing Redis client. Used by tests.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func txTimesKey(userID string) string { return "user:" + userID + ":tx_times" }
func amountsKey(userID string) string { return "user:" + userID + ":amounts" }
func deviceKey(userID string) string  { return "user:" + userID + ":device_times" }
func ipKey(userID string) string      { return "user:" + userID + ":ip_times" }
func lastLocKey(userID string) string { return "user:" + userID + ":last_loc" }

// RecordTxTime inserts ts into the user's tx-time series and trims entries
// older than 24 hours.
func (c *Client) RecordTxTime(ctx context.Context, userID string, ts int64) {
	key := txTimesKey(userID)
	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: strconv.FormatInt(ts, 10)})
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(ts-txTimesWindow, 10))
	pipe.Expire(ctx, key, txTimesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record tx time")
	}
}

// RecentCount returns how many tx-time entries fall in [now-windowSec, now].
func (c *Client) RecentCount(ctx context.Context, userID string, now, windowSec int64) int64 {
	n, err := c.rdb.ZCount(ctx, txTimesKey(userID),
		strconv.FormatInt(now-windowSec, 10), strconv.FormatInt(now, 10)).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to count recent transactions")
		return 0
	}
	return n
}

// RecordAmount prepends amount to the user's history and truncates it to
// the maxSize most recent entries.
func (c *Client) RecordAmount(ctx context.Context, userID string, amount float64, maxSize int) {
	key := amountsKey(userID)
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, strconv.FormatFloat(amount, 'f', -1, 64))
	pipe.LTrim(ctx, key, 0, int64(maxSize)-1)
	pipe.Expire(ctx, key, amountsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record amount")
	}
}

// MedianAmount returns the median of the stored amount history, or 0 when
// the history is empty. Even counts use the mean of the two central values.
// Unparseable entries count as 0; the read never fails.
func (c *Client) MedianAmount(ctx context.Context, userID string) float64 {
	raw, err := c.rdb.LRange(ctx, amountsKey(userID), 0, -1).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read amount history")
		return 0
	}
	if len(raw) == 0 {
		return 0
	}

	nums := make([]float64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			v = 0
		}
		nums = append(nums, v)
	}
	sort.Float64s(nums)

	n := len(nums)
	if n%2 == 0 {
		return (nums[n/2-1] + nums[n/2]) / 2
	}
	return nums[n/2]
}

// ObserveDevice records the device for the user and reports whether this is
// its first observation. A pre-existing first-seen timestamp is preserved.
func (c *Client) ObserveDevice(ctx context.Context, userID, deviceID string, ts int64) bool {
	return c.observe(ctx, deviceKey(userID), userID, deviceID, ts)
}

// ObserveIP is the IP analogue of ObserveDevice.
func (c *Client) ObserveIP(ctx context.Context, userID, ip string, ts int64) bool {
	return c.observe(ctx, ipKey(userID), userID, ip, ts)
}

func (c *Client) observe(ctx context.Context, key, userID, member string, ts int64) bool {
	if member == "" {
		return false
	}
	// NX keeps the earliest observation as the first-seen timestamp.
	added, err := c.rdb.ZAddNX(ctx, key, redis.Z{Score: float64(ts), Member: member}).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record first-seen entry")
		return false
	}
	if err := c.rdb.Expire(ctx, key, firstSeenTTL).Err(); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh first-seen TTL")
	}
	return added > 0
}

// DeviceFirstSeen returns the device's first-seen epoch seconds, if recorded.
func (c *Client) DeviceFirstSeen(ctx context.Context, userID, deviceID string) (int64, bool) {
	return c.firstSeen(ctx, deviceKey(userID), userID, deviceID)
}

// IPFirstSeen returns the IP's first-seen epoch seconds, if recorded.
func (c *Client) IPFirstSeen(ctx context.Context, userID, ip string) (int64, bool) {
	return c.firstSeen(ctx, ipKey(userID), userID, ip)
}

func (c *Client) firstSeen(ctx context.Context, key, userID, member string) (int64, bool) {
	if member == "" {
		return 0, false
	}
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read first-seen entry")
		}
		return 0, false
	}
	return int64(score), true
}

// DeviceFirstSeenWithin reports whether the device's first observation is at
// most `days` old. Unknown devices report false.
func (c *Client) DeviceFirstSeenWithin(ctx context.Context, userID, deviceID string, now int64, days int) bool {
	ts, ok := c.DeviceFirstSeen(ctx, userID, deviceID)
	if !ok {
		return false
	}
	return (now-ts)/secondsPerDay <= int64(days)
}

// IPFirstSeenWithin is the IP analogue of DeviceFirstSeenWithin.
func (c *Client) IPFirstSeenWithin(ctx context.Context, userID, ip string, now int64, days int) bool {
	ts, ok := c.IPFirstSeen(ctx, userID, ip)
	if !ok {
		return false
	}
	return (now-ts)/secondsPerDay <= int64(days)
}

// LastLocation is the user's most recent known position.
type LastLocation struct {
	Lat      float64
	Lon      float64
	EpochSec int64
}

// GetLastLocation returns the user's last known location, or nil when absent
// or unreadable.
func (c *Client) GetLastLocation(ctx context.Context, userID string) *LastLocation {
	vals, err := c.rdb.HGetAll(ctx, lastLocKey(userID)).Result()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to read last location")
		return nil
	}
	latS, lonS, tsS := vals["lat"], vals["lon"], vals["ts"]
	if latS == "" || lonS == "" || tsS == "" {
		return nil
	}
	lat, err1 := strconv.ParseFloat(latS, 64)
	lon, err2 := strconv.ParseFloat(lonS, 64)
	ts, err3 := strconv.ParseInt(tsS, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil
	}
	return &LastLocation{Lat: lat, Lon: lon, EpochSec: ts}
}

// SetLastLocation unconditionally overwrites the user's last known location.
func (c *Client) SetLastLocation(ctx context.Context, userID string, lat, lon float64, ts int64) {
	key := lastLocKey(userID)
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"lat": strconv.FormatFloat(lat, 'f', -1, 64),
		"lon": strconv.FormatFloat(lon, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts, 10),
	})
	pipe.Expire(ctx, key, lastLocTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to set last location")
	}
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// HaversineKm returns the great-circle distance in kilometers on a sphere of
// radius 6371 km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
