package state

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, redismock.ClientMock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	return NewClientFromRedis(rdb), mock
}

func TestRecordTxTimeTrimsWindow(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	now := int64(1_700_000_000)
	key := "user:u1:tx_times"
	mock.ExpectZAdd(key, redis.Z{Score: float64(now), Member: "1700000000"}).SetVal(1)
	mock.ExpectZRemRangeByScore(key, "0", "1699913600").SetVal(0)
	mock.ExpectExpire(key, 2*24*time.Hour).SetVal(true)

	c.RecordTxTime(ctx, "u1", now)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentCount(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectZCount("user:u1:tx_times", "1699999940", "1700000000").SetVal(2)
	assert.Equal(t, int64(2), c.RecentCount(ctx, "u1", 1_700_000_000, 60))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentCountDegradesToZero(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectZCount("user:u1:tx_times", "1699999940", "1700000000").SetErr(assert.AnError)
	assert.Equal(t, int64(0), c.RecentCount(ctx, "u1", 1_700_000_000, 60))
}

func TestRecordAmountTruncatesHistory(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	key := "user:u1:amounts"
	mock.ExpectLPush(key, "42.5").SetVal(1)
	mock.ExpectLTrim(key, 0, 9).SetVal("OK")
	mock.ExpectExpire(key, 90*24*time.Hour).SetVal(true)

	c.RecordAmount(ctx, "u1", 42.5, 10)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMedianAmount(t *testing.T) {
	cases := []struct {
		name   string
		stored []string
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []string{"10"}, 10},
		{"odd", []string{"30", "10", "20"}, 20},
		{"even", []string{"40", "10", "20", "30"}, 25},
		{"garbage counts as zero", []string{"abc", "10", "20"}, 10},
		{"all garbage", []string{"x", "y"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := newTestClient(t)
			mock.ExpectLRange("user:u1:amounts", 0, -1).SetVal(tc.stored)
			assert.Equal(t, tc.want, c.MedianAmount(context.Background(), "u1"))
		})
	}
}

func TestMedianAmountDegradesToZero(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ExpectLRange("user:u1:amounts", 0, -1).SetErr(assert.AnError)
	assert.Equal(t, float64(0), c.MedianAmount(context.Background(), "u1"))
}

func TestObserveDevicePreservesFirstSeen(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	key := "user:u1:device_times"

	// First observation inserts.
	mock.ExpectZAddNX(key, redis.Z{Score: 1000, Member: "dev-1"}).SetVal(1)
	mock.ExpectExpire(key, 90*24*time.Hour).SetVal(true)
	assert.True(t, c.ObserveDevice(ctx, "u1", "dev-1", 1000))

	// A later observation is a no-op; the original timestamp survives.
	mock.ExpectZAddNX(key, redis.Z{Score: 2000, Member: "dev-1"}).SetVal(0)
	mock.ExpectExpire(key, 90*24*time.Hour).SetVal(true)
	assert.False(t, c.ObserveDevice(ctx, "u1", "dev-1", 2000))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObserveEmptyMember(t *testing.T) {
	c, mock := newTestClient(t)
	assert.False(t, c.ObserveDevice(context.Background(), "u1", "", 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeviceFirstSeen(t *testing.T) {
	c, mock := newTestClient(t)
	ctx := context.Background()

	mock.ExpectZScore("user:u1:device_times", "dev-1").SetVal(1500)
	ts, ok := c.DeviceFirstSeen(ctx, "u1", "dev-1")
	require.True(t, ok)
	assert.Equal(t, int64(1500), ts)

	mock.ExpectZScore("user:u1:device_times", "dev-2").RedisNil()
	_, ok = c.DeviceFirstSeen(ctx, "u1", "dev-2")
	assert.False(t, ok)
}

func TestDeviceFirstSeenWithin(t *testing.T) {
	now := int64(1_700_000_000)
	cases := []struct {
		name     string
		ageDays  int64
		expected bool
	}{
		{"same day", 0, true},
		{"exactly seven days", 7, true},
		{"eight days", 8, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, mock := newTestClient(t)
			mock.ExpectZScore("user:u1:device_times", "dev-1").
				SetVal(float64(now - tc.ageDays*86400))
			assert.Equal(t, tc.expected,
				c.DeviceFirstSeenWithin(context.Background(), "u1", "dev-1", now, 7))
		})
	}
}

func TestIPFirstSeenWithinUnknownIP(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ExpectZScore("user:u1:ip_times", "10.0.0.1").RedisNil()
	assert.False(t, c.IPFirstSeenWithin(context.Background(), "u1", "10.0.0.1", 1_700_000_000, 7))
}

func TestSetLastLocation(t *testing.T) {
	c, mock := newTestClient(t)
	key := "user:u1:last_loc"

	// Field order in the flattened HSET args follows map iteration, so match
	// on the sorted argument set instead of the literal sequence.
	mock.CustomMatch(func(expected, actual []interface{}) error {
		e := toSortedStrings(expected)
		a := toSortedStrings(actual)
		if !assert.ObjectsAreEqual(e, a) {
			return fmt.Errorf("hset args mismatch: want %v, got %v", e, a)
		}
		return nil
	}).ExpectHSet(key, "lat", "40.7128", "lon", "-74.006", "ts", "1700000000").SetVal(3)
	mock.ExpectExpire(key, 30*24*time.Hour).SetVal(true)

	c.SetLastLocation(context.Background(), "u1", 40.7128, -74.006, 1_700_000_000)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func toSortedStrings(args []interface{}) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, fmt.Sprint(a))
	}
	sort.Strings(out)
	return out
}

func TestGetLastLocation(t *testing.T) {
	c, mock := newTestClient(t)

	mock.ExpectHGetAll("user:u1:last_loc").SetVal(map[string]string{
		"lat": "40.7128", "lon": "-74.006", "ts": "1700000000",
	})
	loc := c.GetLastLocation(context.Background(), "u1")
	require.NotNil(t, loc)
	assert.Equal(t, 40.7128, loc.Lat)
	assert.Equal(t, -74.006, loc.Lon)
	assert.Equal(t, int64(1_700_000_000), loc.EpochSec)
}

func TestGetLastLocationAbsent(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ExpectHGetAll("user:u1:last_loc").SetVal(map[string]string{})
	assert.Nil(t, c.GetLastLocation(context.Background(), "u1"))
}

func TestGetLastLocationMalformed(t *testing.T) {
	c, mock := newTestClient(t)
	mock.ExpectHGetAll("user:u1:last_loc").SetVal(map[string]string{
		"lat": "not-a-number", "lon": "-74.006", "ts": "1700000000",
	})
	assert.Nil(t, c.GetLastLocation(context.Background(), "u1"))
}

func TestHaversineKm(t *testing.T) {
	// New York to London is roughly 5570 km.
	d := HaversineKm(40.7128, -74.0060, 51.5074, -0.1278)
	assert.InDelta(t, 5570, d, 20)

	// London to Paris is roughly 344 km.
	d = HaversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, 344, d, 5)

	// Identical points.
	assert.InDelta(t, 0, HaversineKm(10, 20, 10, 20), 1e-9)
}
