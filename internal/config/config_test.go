package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tablealloc/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TABLEALLOC_TEST_REDIS", "redis.internal:6380")

	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
database:
  path: `+filepath.Join(dir, "data", "alloc.db")+`
redis:
  address: ${TABLEALLOC_TEST_REDIS}
lock:
  wait_timeout_ms: 750
  party_bucket_width: 1
allocation:
  max_attempts: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
	assert.Equal(t, filepath.Join(dir, "restaurants.yaml"), cfg.Restaurants.Path)
	assert.DirExists(t, filepath.Join(dir, "data"))

	assert.Equal(t, 750*time.Millisecond, cfg.LockWait())
	assert.Equal(t, 1, cfg.PartyBucketWidth())
	assert.Equal(t, 5, cfg.MaxAttempts())

	// Unset values fall back to defaults.
	assert.Equal(t, 8080, cfg.HTTPPort())
	assert.Equal(t, 10*time.Second, cfg.LockTTL())
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBackoff())
	assert.Equal(t, 3*time.Minute, cfg.AvailabilityCacheTTL())
	assert.Equal(t, 30*time.Second, cfg.RestaurantsReloadInterval())
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout())
	assert.False(t, cfg.Backup.Enabled)
	assert.Equal(t, "backups", cfg.Backup.Path)
	assert.Equal(t, 24*time.Hour, cfg.BackupInterval())
	assert.Equal(t, 14*24*time.Hour, cfg.BackupRetention())
	perSecond, burst := cfg.RateLimit()
	assert.Equal(t, 10.0, perSecond)
	assert.Equal(t, 20, burst)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	writeFile(t, path, "database: [unterminated")
	_, err = Load(path)
	assert.Error(t, err)
}

const validRestaurants = `
defaults:
  dining_duration_minutes: 100
  buffer_minutes: 20
  slot_minutes: 15
restaurants:
  - id: 1
    name: Harbour
    policy:
      allow_table_combinations: true
    periods:
      - {id: 10, name: dinner, start: "18:00", end: "23:00"}
    groups:
      - id: 100
        name: Main
        tables:
          - {id: 1, name: A, max_capacity: 4}
          - {id: 2, name: B, max_capacity: 4, active: false}
`

func TestParseRestaurantsConfig_Defaults(t *testing.T) {
	cfg, err := ParseRestaurantsConfig([]byte(validRestaurants))
	require.NoError(t, err)

	r := cfg.RestaurantByID(1)
	require.NotNil(t, r)
	assert.Equal(t, "UTC", r.Timezone)
	assert.Equal(t, 100, r.Policy.DiningDurationMinutes)
	assert.Equal(t, 20, r.Policy.BufferMinutes)
	assert.Equal(t, 2, r.Policy.MaxCombinationTables)
	assert.Equal(t, 15, r.Periods[0].SlotMinutes)

	a, b := r.Groups[0].Tables[0], r.Groups[0].Tables[1]
	assert.Equal(t, 1, a.MinCapacity)
	assert.Equal(t, string(model.TableNormal), a.Status)
	assert.True(t, a.IsActive())
	assert.False(t, b.IsActive())

	assert.Nil(t, cfg.RestaurantByID(2))
	assert.Equal(t, "RestaurantsConfig: 1 restaurants, 2 tables", cfg.String())
}

func TestParseRestaurantsConfig_Invalid(t *testing.T) {
	base := func(body string) string {
		return "restaurants:\n  - id: 1\n    name: Harbour\n" + body
	}
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"empty", "restaurants: []", "no restaurants defined"},
		{"bad timezone", base("    timezone: Mars/Olympus\n"), "unknown timezone"},
		{"too many combination tables", base("    policy:\n      allow_table_combinations: true\n      max_combination_tables: 5\n"), "exceeds limit"},
		{"min above max party", base("    policy:\n      min_party_size: 6\n      max_party_size: 4\n"), "greater than max_party_size"},
		{"bad period clock", base("    periods:\n      - {id: 1, name: x, start: \"25:00\", end: \"23:00\"}\n"), "expected HH:MM"},
		{"crosses midnight", base("    periods:\n      - {id: 1, name: late, start: \"22:00\", end: \"02:00\"}\n"), "crosses midnight"},
		{"bad weekday", base("    periods:\n      - {id: 1, name: x, start: \"18:00\", end: \"23:00\", weekdays: [0]}\n"), "must be 1-7"},
		{"capacity inverted", base("    groups:\n      - id: 1\n        name: g\n        tables:\n          - {id: 1, name: t, min_capacity: 4, max_capacity: 2}\n"), "below min_capacity"},
		{"duplicate table", base("    groups:\n      - id: 1\n        name: g\n        tables:\n          - {id: 1, name: t, max_capacity: 2}\n          - {id: 1, name: u, max_capacity: 2}\n"), "duplicate id 1"},
		{"unknown table status", base("    groups:\n      - id: 1\n        name: g\n        tables:\n          - {id: 1, name: t, max_capacity: 2, status: broken}\n"), "unknown status"},
		{"bad closure date", base("    closures:\n      - {date: 31.12.2026}\n"), "expected YYYY-MM-DD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRestaurantsConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatchRestaurants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restaurants.yaml")
	writeFile(t, path, validRestaurants)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *RestaurantsConfig, 4)
	err := WatchRestaurants(ctx, path, 10*time.Millisecond, nil, func(cfg *RestaurantsConfig) {
		updates <- cfg
	})
	require.NoError(t, err)

	initial := <-updates
	assert.Equal(t, "Harbour", initial.Restaurants[0].Name)

	// An invalid edit is skipped; the next valid one is delivered.
	future := time.Now().Add(time.Second)
	writeFile(t, path, "restaurants: []")
	require.NoError(t, os.Chtimes(path, future, future))
	writeFile(t, path, validRestaurants+"  - {id: 2, name: Pier}\n")
	later := future.Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	select {
	case cfg := <-updates:
		assert.Len(t, cfg.Restaurants, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not delivered")
	}
}

func TestWatchRestaurants_InitialLoadFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restaurants.yaml")
	writeFile(t, path, "restaurants: []")
	err := WatchRestaurants(context.Background(), path, time.Second, nil, nil)
	assert.Error(t, err)
}
