package allocation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tablealloc/internal/allocator"
	"tablealloc/internal/config"
	"tablealloc/internal/errs"
	"tablealloc/internal/events"
	"tablealloc/internal/lock"
	"tablealloc/internal/model"
	"tablealloc/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harbourYAML = `
defaults:
  dining_duration_minutes: 90
  buffer_minutes: 30
restaurants:
  - id: 1
    name: Harbour
    timezone: UTC
    policy:
      allow_table_combinations: true
      max_combination_tables: 2
      max_party_size: 8
    periods:
      - {id: 11, name: dinner, start: "17:00", end: "23:00"}
    groups:
      - id: 100
        name: Main
        priority: 1
        tables:
          - {id: 1, name: A, min_capacity: 2, max_capacity: 4, can_combine: true, sort_order: 1}
          - {id: 2, name: B, min_capacity: 2, max_capacity: 4, can_combine: true, sort_order: 2}
    closures:
      - {date: "2026-01-20", reason: inventory}
`

const threeTablesYAML = `
defaults:
  dining_duration_minutes: 90
  buffer_minutes: 30
restaurants:
  - id: 1
    name: Pier
    timezone: UTC
    periods:
      - {id: 11, name: dinner, start: "17:00", end: "23:00"}
    groups:
      - id: 100
        name: Main
        tables:
          - {id: 1, name: A, min_capacity: 1, max_capacity: 4, sort_order: 1}
          - {id: 2, name: B, min_capacity: 1, max_capacity: 4, sort_order: 2}
          - {id: 3, name: C, min_capacity: 1, max_capacity: 4, sort_order: 3}
`

const unlimitedYAML = `
restaurants:
  - id: 1
    name: Buffet
    timezone: UTC
    policy:
      unlimited_dining_time: true
    periods:
      - {id: 10, name: lunch, start: "11:30", end: "15:00"}
      - {id: 11, name: dinner, start: "17:00", end: "23:00"}
    groups:
      - id: 100
        name: Hall
        tables:
          - {id: 1, name: A, min_capacity: 1, max_capacity: 6}
`

type harness struct {
	svc    *Service
	db     *store.DB
	mr     *miniredis.Miniredis
	client *redis.Client
}

func newHarness(t *testing.T, restaurants string, cfg Config, lockCfg lock.Config) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "alloc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rc, err := config.ParseRestaurantsConfig([]byte(restaurants))
	require.NoError(t, err)
	require.NoError(t, db.SyncRestaurantsFromConfig(context.Background(), rc))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	if lockCfg.WaitTimeout == 0 {
		lockCfg = lock.Config{WaitTimeout: 5 * time.Second, InitialBackoff: 2 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	locker := lock.New(client, lockCfg, nil)
	return &harness{svc: NewService(db, locker, cfg, nil), db: db, mr: mr, client: client}
}

func (h *harness) withStore(st Store) *Service {
	return &Service{store: st, locker: h.svc.locker, cfg: h.svc.cfg, logger: h.svc.logger}
}

func (h *harness) lockKeys(t *testing.T) []string {
	t.Helper()
	keys, err := h.client.Keys(context.Background(), "lock:*").Result()
	require.NoError(t, err)
	return keys
}

func dinnerAt(hour, minute int) time.Time {
	return time.Date(2026, 1, 15, hour, minute, 0, 0, time.UTC)
}

func request(at time.Time, adults int) Request {
	return Request{RestaurantID: 1, StartsAt: at, Adults: adults}
}

func tableOf(t *testing.T, r *model.Reservation) int64 {
	t.Helper()
	require.NotNil(t, r)
	require.NotNil(t, r.TableID)
	return *r.TableID
}

func TestRun_SequentialSeating(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	first := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
	require.True(t, first.Success, first.Err)
	assert.Equal(t, int64(1), tableOf(t, first.Reservation))
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, []State{StateStart, StateLockAcquired, StateReassessed, StateAllocated, StatePersisted, StateLockReleased}, first.Trace)

	second := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
	require.True(t, second.Success, second.Err)
	assert.Equal(t, int64(2), tableOf(t, second.Reservation))

	third := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
	assert.False(t, third.Success)
	assert.Equal(t, errs.KindNoAvailability, third.Kind)
	assert.Equal(t, 1, third.Attempts, "no availability is final")
	assert.Equal(t, []State{StateStart, StateLockAcquired, StateReassessed, StateNoAvailability, StateLockReleased}, third.Trace)

	assert.Empty(t, h.lockKeys(t))
}

func TestRun_Combination(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	res := h.svc.Run(ctx, Request{RestaurantID: 1, StartsAt: dinnerAt(19, 0), Adults: 5, Children: 2})
	require.True(t, res.Success, res.Err)
	r := res.Reservation
	assert.Nil(t, r.TableID)
	require.NotNil(t, r.Combination)
	assert.Equal(t, []int64{1, 2}, r.Combination.TableIDs)
	assert.Equal(t, 8, r.Combination.TotalCapacity)
	assert.Equal(t, 7, r.PartySize)
	assert.Equal(t, int64(11), r.PeriodID)

	stored, err := h.db.Reservation(ctx, res.ReservationID)
	require.NoError(t, err)
	require.NotNil(t, stored.Combination)
	assert.Equal(t, []int64{1, 2}, stored.Combination.TableIDs)

	held, err := h.db.HeldSlots(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Positive(t, held)

	// The tables stay busy for a single party in the same window.
	again := h.svc.Run(ctx, request(dinnerAt(20, 0), 2))
	assert.Equal(t, errs.KindNoAvailability, again.Kind)
}

func TestRun_WindowBoundary(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	for _, hour := range []int{17, 17} {
		res := h.svc.Run(ctx, request(dinnerAt(hour, 0), 2))
		require.True(t, res.Success, res.Err)
	}
	// 90 minutes dining + 30 buffer: both tables are free again at 19:00.
	res := h.svc.Run(ctx, request(dinnerAt(19, 0), 2))
	require.True(t, res.Success, res.Err)

	res = h.svc.Run(ctx, request(dinnerAt(18, 55), 2))
	assert.Equal(t, errs.KindNoAvailability, res.Kind)
}

const singleTableYAML = `
defaults:
  dining_duration_minutes: 90
  buffer_minutes: 30
restaurants:
  - id: 1
    name: Snug
    timezone: UTC
    periods:
      - {id: 11, name: dinner, start: "17:00", end: "23:00"}
    groups:
      - id: 100
        name: Main
        tables:
          - {id: 1, name: A, min_capacity: 1, max_capacity: 4}
`

func TestRun_BackToBackOffTheHour(t *testing.T) {
	h := newHarness(t, singleTableYAML, Config{}, lock.Config{})
	ctx := context.Background()

	first := h.svc.Run(ctx, request(dinnerAt(18, 2), 2))
	require.True(t, first.Success, first.Err)

	// 18:02 + 90 + 30 ends at 20:02, which is free again.
	planned, err := h.svc.Allocate(ctx, 1, dinnerAt(20, 2), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, allocator.Single, planned.Kind)

	next := h.svc.Run(ctx, request(dinnerAt(20, 2), 2))
	require.True(t, next.Success, next.Err)
	assert.Equal(t, 1, next.Attempts)
	assert.Equal(t, int64(1), tableOf(t, next.Reservation))

	early := h.svc.Run(ctx, request(dinnerAt(20, 1), 2))
	assert.Equal(t, errs.KindNoAvailability, early.Kind)
	assert.Equal(t, 1, early.Attempts, "the detector refuses before the ledger")
}

func TestRun_RejectsSubMinuteStart(t *testing.T) {
	h := newHarness(t, singleTableYAML, Config{}, lock.Config{})

	res := h.svc.Run(context.Background(), request(dinnerAt(18, 0).Add(30*time.Second), 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindConfiguration, res.Kind)
	assert.Empty(t, res.Trace)
}

func TestRun_PinnedPeriod(t *testing.T) {
	t.Run("unlimited dining", func(t *testing.T) {
		h := newHarness(t, unlimitedYAML, Config{}, lock.Config{})
		ctx := context.Background()

		lunch := h.svc.Run(ctx, request(dinnerAt(12, 0), 2))
		require.True(t, lunch.Success, lunch.Err)

		// Dinner does not cover 12:00, so pinning it cannot reseat the table.
		pinned := request(dinnerAt(12, 0), 2)
		pinned.PeriodID = 11
		res := h.svc.Run(ctx, pinned)
		assert.False(t, res.Success)
		assert.Equal(t, errs.KindNoAvailability, res.Kind)

		active, err := h.db.ActiveReservations(ctx, 1, dinnerAt(0, 0), dinnerAt(23, 59))
		require.NoError(t, err)
		assert.Len(t, active, 1)

		pinned.StartsAt = dinnerAt(19, 0)
		res = h.svc.Run(ctx, pinned)
		require.True(t, res.Success, res.Err)
		assert.Equal(t, int64(11), res.Reservation.PeriodID)
	})

	t.Run("fixed duration outside hours", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		req := request(dinnerAt(12, 0), 2)
		req.PeriodID = 11
		res := h.svc.Run(context.Background(), req)
		assert.Equal(t, errs.KindNoAvailability, res.Kind)
	})
}

func TestRun_ClosedDatabaseIsStoreUnavailable(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	require.NoError(t, h.db.Close())

	res := h.svc.Run(context.Background(), request(dinnerAt(18, 0), 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindStoreUnavailable, res.Kind)
	assert.NotEqual(t, errs.KindInternal, res.Kind)
	assert.Empty(t, h.lockKeys(t))
}

func TestSurfacedKind(t *testing.T) {
	tests := []struct {
		err  error
		want errs.Kind
	}{
		{errs.Markf(errs.ErrLockTimeout, "slow"), errs.KindNoAvailability},
		{errs.Markf(errs.ErrConcurrencyConflict, "raced"), errs.KindNoAvailability},
		{errs.Markf(errs.ErrNotFound, "restaurant 9"), errs.KindConfiguration},
		{errs.Markf(errs.ErrConfiguration, "bad policy"), errs.KindConfiguration},
		{errs.Markf(errs.ErrStoreUnavailable, "down"), errs.KindStoreUnavailable},
		{errors.New("unclassified"), errs.KindStoreUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, surfacedKind(tt.err))
		})
	}
}

func TestRun_NoDoubleAllocationUnderConcurrency(t *testing.T) {
	h := newHarness(t, threeTablesYAML, Config{MaxAttempts: 5}, lock.Config{})
	ctx := context.Background()

	const n = 8
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.svc.Run(ctx, request(dinnerAt(19, 0), 4))
		}(i)
	}
	wg.Wait()

	seated := map[int64]int64{}
	failures := 0
	for _, res := range results {
		if !res.Success {
			assert.Equal(t, errs.KindNoAvailability, res.Kind)
			failures++
			continue
		}
		table := tableOf(t, res.Reservation)
		prev, dup := seated[table]
		assert.False(t, dup, "table %d given to reservations %d and %d", table, prev, res.ReservationID)
		seated[table] = res.ReservationID
	}
	assert.Len(t, seated, 3)
	assert.Equal(t, n-3, failures)
	assert.Empty(t, h.lockKeys(t))
}

func TestRun_MixedPartiesShareTablesSafely(t *testing.T) {
	// Parties of 2 and 4 take different lock keys; the slot ledger still
	// keeps every table single-booked.
	h := newHarness(t, threeTablesYAML, Config{MaxAttempts: 5}, lock.Config{})
	ctx := context.Background()

	const n = 10
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			party := 2
			if i%2 == 1 {
				party = 4
			}
			results[i] = h.svc.Run(ctx, request(dinnerAt(19, 0), party))
		}(i)
	}
	wg.Wait()

	seated := map[int64]bool{}
	for _, res := range results {
		if !res.Success {
			continue
		}
		table := tableOf(t, res.Reservation)
		assert.False(t, seated[table], "table %d double-booked", table)
		seated[table] = true
	}
	assert.LessOrEqual(t, len(seated), 3)

	active, err := h.db.ActiveReservations(ctx, 1, dinnerAt(0, 0), dinnerAt(23, 59))
	require.NoError(t, err)
	assert.Len(t, active, len(seated))
}

func TestRun_UnlimitedDining(t *testing.T) {
	h := newHarness(t, unlimitedYAML, Config{}, lock.Config{})
	ctx := context.Background()

	lunch := h.svc.Run(ctx, request(dinnerAt(12, 0), 2))
	require.True(t, lunch.Success, lunch.Err)
	assert.Equal(t, int64(10), lunch.Reservation.PeriodID)

	// Same table, same period, same date.
	later := h.svc.Run(ctx, request(dinnerAt(14, 0), 2))
	assert.Equal(t, errs.KindNoAvailability, later.Kind)

	dinner := h.svc.Run(ctx, request(dinnerAt(19, 0), 2))
	require.True(t, dinner.Success, dinner.Err)
	assert.Equal(t, int64(11), dinner.Reservation.PeriodID)

	nextDay := h.svc.Run(ctx, request(dinnerAt(12, 0).AddDate(0, 0, 1), 2))
	assert.True(t, nextDay.Success, nextDay.Err)

	between := h.svc.Run(ctx, request(dinnerAt(16, 0), 2))
	assert.Equal(t, errs.KindNoAvailability, between.Kind, "no period covers 16:00")
}

func TestRun_Idempotent(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	req := request(dinnerAt(18, 0), 2)
	req.AllocationToken = "web-7f3a"

	first := h.svc.Run(ctx, req)
	require.True(t, first.Success, first.Err)
	replay := h.svc.Run(ctx, req)
	require.True(t, replay.Success, replay.Err)

	assert.Equal(t, first.ReservationID, replay.ReservationID)
	assert.NotContains(t, replay.Trace, StateReassessed)

	active, err := h.db.ActiveReservations(ctx, 1, dinnerAt(0, 0), dinnerAt(23, 59))
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRun_Rejections(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	tests := []struct {
		name     string
		req      Request
		kind     errs.Kind
		attempts int
	}{
		{"party above maximum", request(dinnerAt(18, 0), 9), errs.KindConfiguration, 0},
		{"empty party", request(dinnerAt(18, 0), 0), errs.KindConfiguration, 0},
		{"negative children", Request{RestaurantID: 1, StartsAt: dinnerAt(18, 0), Adults: 3, Children: -1}, errs.KindConfiguration, 0},
		{"unknown restaurant", Request{RestaurantID: 42, StartsAt: dinnerAt(18, 0), Adults: 2}, errs.KindConfiguration, 0},
		{"closed date", request(time.Date(2026, 1, 20, 19, 0, 0, 0, time.UTC), 2), errs.KindNoAvailability, 1},
		{"outside periods", request(dinnerAt(10, 0), 2), errs.KindNoAvailability, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.svc.Run(ctx, tt.req)
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Error(t, res.Err)
		})
	}
}

func TestRun_LockTimeoutBecomesNoAvailability(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{MaxAttempts: 2}, lock.Config{
		WaitTimeout: 40 * time.Millisecond, InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond,
	})
	at := dinnerAt(18, 0)
	key := lock.Key(1, at, 2, h.svc.cfg.PartyBucketWidth)
	require.NoError(t, h.mr.Set(key, "someone-else"))

	res := h.svc.Run(context.Background(), request(at, 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindNoAvailability, res.Kind)
	assert.True(t, errs.Is(res.Err, errs.ErrLockTimeout))
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []State{StateStart, StateLockFailed, StateStart, StateLockFailed}, res.Trace)

	got, err := h.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "a foreign lock is never released")
}

func TestRun_CallerDeadline(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindNoAvailability, res.Kind)
	assert.Empty(t, h.lockKeys(t))
}

func TestRun_LockStoreDown(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	h.mr.Close()

	res := h.svc.Run(context.Background(), request(dinnerAt(18, 0), 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindStoreUnavailable, res.Kind)
	assert.Equal(t, 1, res.Attempts)

	active, err := h.db.ActiveReservations(context.Background(), 1, dinnerAt(0, 0), dinnerAt(23, 59))
	require.NoError(t, err)
	assert.Empty(t, active, "nothing is written without the lock")
}

// failingStore injects persistence failures in front of a real store.
type failingStore struct {
	*store.DB
	create func(calls int32) error
	calls  atomic.Int32
}

func (f *failingStore) CreateReservation(ctx context.Context, r *model.Reservation, slots []store.Slot) error {
	n := f.calls.Add(1)
	if err := f.create(n); err != nil {
		return err
	}
	return f.DB.CreateReservation(ctx, r, slots)
}

func TestRun_ReleasesLockWhenPersistFails(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	broken := h.withStore(&failingStore{DB: h.db, create: func(int32) error { return errors.New("disk full") }})
	res := broken.Run(ctx, request(dinnerAt(18, 0), 2))
	assert.False(t, res.Success)
	assert.Equal(t, errs.KindStoreUnavailable, res.Kind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []State{StateStart, StateLockAcquired, StateReassessed, StateAllocated, StatePersistFailed, StateLockReleased}, res.Trace)
	assert.Empty(t, h.lockKeys(t))

	started := time.Now()
	ok := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
	require.True(t, ok.Success, ok.Err)
	assert.Less(t, time.Since(started), time.Second, "the next request must not wait for the lock ttl")
}

func TestRun_ReleasesLockOnPanic(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})

	broken := h.withStore(&failingStore{DB: h.db, create: func(int32) error { panic("driver exploded") }})
	assert.Panics(t, func() {
		broken.Run(context.Background(), request(dinnerAt(18, 0), 2))
	})
	assert.Empty(t, h.lockKeys(t))
}

func TestRun_RetriesWriteConflicts(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{MaxAttempts: 3}, lock.Config{})

	flaky := h.withStore(&failingStore{DB: h.db, create: func(n int32) error {
		if n == 1 {
			return errs.Markf(errs.ErrConcurrencyConflict, "slot taken")
		}
		return nil
	}})
	res := flaky.Run(context.Background(), request(dinnerAt(18, 0), 2))
	require.True(t, res.Success, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []State{
		StateStart, StateLockAcquired, StateReassessed, StateAllocated, StatePersistFailed, StateLockReleased,
		StateStart, StateLockAcquired, StateReassessed, StateAllocated, StatePersisted, StateLockReleased,
	}, res.Trace)
}

func TestRun_ConflictBudgetExhausted(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{MaxAttempts: 3}, lock.Config{})

	st := &failingStore{DB: h.db, create: func(int32) error {
		return errs.Markf(errs.ErrConcurrencyConflict, "slot taken")
	}}
	res := h.withStore(st).Run(context.Background(), request(dinnerAt(18, 0), 2))
	assert.Equal(t, errs.KindNoAvailability, res.Kind)
	assert.True(t, errs.Is(res.Err, errs.ErrConcurrencyConflict))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int32(3), st.calls.Load())
}

func TestAllocate_DoesNotWrite(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	res, err := h.svc.Allocate(ctx, 1, dinnerAt(18, 0), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, allocator.Single, res.Kind)
	assert.Equal(t, int64(1), res.Table.ID)

	res, err = h.svc.Allocate(ctx, 1, dinnerAt(18, 0), 4, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Table.ID)

	res, err = h.svc.Allocate(ctx, 1, dinnerAt(18, 0), 6, 99)
	require.NoError(t, err)
	assert.Equal(t, allocator.None, res.Kind, "unknown period")

	_, err = h.svc.Allocate(ctx, 1, dinnerAt(18, 0), 20, 0)
	assert.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestChangePartySize(t *testing.T) {
	ctx := context.Background()

	t.Run("grows into a combination", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		res := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
		require.True(t, res.Success, res.Err)

		updated, err := h.svc.ChangePartySize(ctx, res.ReservationID, 5, 1)
		require.NoError(t, err)
		assert.Equal(t, 6, updated.PartySize)
		assert.Equal(t, int64(2), updated.Version)
		require.NotNil(t, updated.Combination)
		assert.Equal(t, []int64{1, 2}, updated.Combination.TableIDs)

		stored, err := h.db.Reservation(ctx, res.ReservationID)
		require.NoError(t, err)
		assert.Nil(t, stored.TableID)
		require.NotNil(t, stored.Combination)
		assert.Equal(t, 8, stored.Combination.TotalCapacity)
	})

	t.Run("blocked by a neighbour", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		mine := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
		require.True(t, mine.Success, mine.Err)
		theirs := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
		require.True(t, theirs.Success, theirs.Err)

		_, err := h.svc.ChangePartySize(ctx, mine.ReservationID, 6, 0)
		assert.Equal(t, errs.KindNoAvailability, errs.KindOf(err))

		stored, err := h.db.Reservation(ctx, mine.ReservationID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
		assert.Equal(t, int64(1), tableOf(t, stored))
		assert.Equal(t, 2, stored.PartySize)
	})

	t.Run("shrinks back to a single table", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		res := h.svc.Run(ctx, request(dinnerAt(18, 0), 7))
		require.True(t, res.Success, res.Err)

		updated, err := h.svc.ChangePartySize(ctx, res.ReservationID, 3, 0)
		require.NoError(t, err)
		assert.Nil(t, updated.Combination)
		assert.Equal(t, int64(1), tableOf(t, updated))

		// Table B was freed by the shrink.
		other := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
		require.True(t, other.Success, other.Err)
		assert.Equal(t, int64(2), tableOf(t, other.Reservation))
	})

	t.Run("cancelled reservation", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		res := h.svc.Run(ctx, request(dinnerAt(18, 0), 2))
		require.True(t, res.Success, res.Err)
		_, err := h.svc.Cancel(ctx, res.ReservationID, 0)
		require.NoError(t, err)

		_, err = h.svc.ChangePartySize(ctx, res.ReservationID, 3, 0)
		assert.Equal(t, errs.KindInvalidTransition, errs.KindOf(err))
	})

	t.Run("unknown reservation", func(t *testing.T) {
		h := newHarness(t, harbourYAML, Config{}, lock.Config{})
		_, err := h.svc.ChangePartySize(ctx, 404, 3, 0)
		assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	})
}

func TestCancelAndNoShow(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 2; i++ {
		res := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
		require.True(t, res.Success, res.Err)
		ids = append(ids, res.ReservationID)
	}

	_, err := h.svc.Cancel(ctx, ids[0], 7)
	assert.Equal(t, errs.KindConcurrencyConflict, errs.KindOf(err), "stale version")

	cancelled, err := h.svc.Cancel(ctx, ids[0], 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, int64(2), cancelled.Version)

	_, err = h.svc.MarkNoShow(ctx, ids[0], 0)
	assert.Equal(t, errs.KindInvalidTransition, errs.KindOf(err))

	held, err := h.db.HeldSlots(ctx, ids[0])
	require.NoError(t, err)
	assert.Zero(t, held)

	// The cancelled table is bookable again.
	res := h.svc.Run(ctx, request(dinnerAt(18, 0), 4))
	require.True(t, res.Success, res.Err)
	assert.Equal(t, int64(1), tableOf(t, res.Reservation))

	noShow, err := h.svc.MarkNoShow(ctx, ids[1], 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoShow, noShow.Status)
	_, err = h.svc.Cancel(ctx, ids[1], 0)
	assert.Equal(t, errs.KindInvalidTransition, errs.KindOf(err))

	_, err = h.svc.Cancel(ctx, 999, 0)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t, harbourYAML, Config{}, lock.Config{})
	ctx := context.Background()

	bus := events.NewEventBus(nil)
	var seen []string
	bus.Subscribe(func(e events.Event) error {
		assert.Equal(t, int64(1), e.RestaurantID)
		seen = append(seen, e.Type)
		return nil
	}, events.ReservationTypes...)
	h.svc.WithEvents(bus)

	req := request(dinnerAt(18, 0), 2)
	req.AllocationToken = "evt-1"
	res := h.svc.Run(ctx, req)
	require.True(t, res.Success, res.Err)
	h.svc.Run(ctx, req)

	_, err := h.svc.ChangePartySize(ctx, res.ReservationID, 3, 0)
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, res.ReservationID, 0)
	require.NoError(t, err)
	_, err = h.svc.MarkNoShow(ctx, res.ReservationID, 0)
	require.Error(t, err)

	assert.Equal(t, []string{events.ReservationCreated, events.ReservationReseated, events.ReservationCancelled}, seen,
		"replays and rejected transitions publish nothing")
}

func TestBackoffStaysInRange(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		d := 20 * time.Millisecond << (attempt - 1)
		for i := 0; i < 50; i++ {
			got := backoff(20*time.Millisecond, attempt)
			assert.GreaterOrEqual(t, got, d/2, fmt.Sprintf("attempt %d", attempt))
			assert.LessOrEqual(t, got, d, fmt.Sprintf("attempt %d", attempt))
		}
	}
}
