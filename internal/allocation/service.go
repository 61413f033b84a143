// Package allocation runs the locked allocate-and-persist transaction.
package allocation

import (
	"context"
	"math/rand"
	"time"

	"tablealloc/internal/allocator"
	"tablealloc/internal/conflict"
	"tablealloc/internal/errs"
	"tablealloc/internal/events"
	"tablealloc/internal/lock"
	"tablealloc/internal/metrics"
	"tablealloc/internal/model"
	"tablealloc/internal/store"

	"github.com/rs/zerolog"
)

// Store is the persistence the transaction needs.
type Store interface {
	Restaurant(ctx context.Context, id int64) (*model.Restaurant, error)
	Tables(ctx context.Context, restaurantID int64) ([]model.Table, error)
	Groups(ctx context.Context, restaurantID int64) ([]model.TableGroup, error)
	ActiveReservations(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.Reservation, error)
	Reservation(ctx context.Context, id int64) (*model.Reservation, error)
	ReservationByToken(ctx context.Context, token string) (*model.Reservation, error)
	CreateReservation(ctx context.Context, r *model.Reservation, slots []store.Slot) error
	ReassignReservation(ctx context.Context, r *model.Reservation, expectedVersion int64, slots []store.Slot) error
	TransitionStatus(ctx context.Context, id, expectedVersion int64, to model.Status) (*model.Reservation, error)
}

// Locker is the distributed mutual exclusion used around allocation.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) error
}

// Publisher receives committed reservation changes.
type Publisher interface {
	Publish(event events.Event)
}

// Config tunes locking and retries. Zero values take defaults.
type Config struct {
	LockTTL          time.Duration
	PartyBucketWidth int
	MaxAttempts      int
	RetryBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 10 * time.Second
	}
	if c.PartyBucketWidth <= 0 {
		c.PartyBucketWidth = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	return c
}

// State is a step of one allocation attempt.
type State string

const (
	StateStart          State = "start"
	StateLockAcquired   State = "lock_acquired"
	StateReassessed     State = "reassessed"
	StateAllocated      State = "allocated"
	StatePersisted      State = "persisted"
	StateLockReleased   State = "lock_released"
	StateLockFailed     State = "lock_failed"
	StateNoAvailability State = "no_availability"
	StatePersistFailed  State = "persist_failed"
)

// Request asks for a seating. AllocationToken makes the request idempotent.
type Request struct {
	RestaurantID    int64     `json:"restaurant_id"`
	StartsAt        time.Time `json:"starts_at"`
	Adults          int       `json:"adults"`
	Children        int       `json:"children"`
	PeriodID        int64     `json:"period_id,omitempty"`
	AllocationToken string    `json:"allocation_token,omitempty"`
}

// Result is the typed outcome of Run. Kind is empty on success.
type Result struct {
	Success       bool               `json:"success"`
	ReservationID int64              `json:"reservation_id,omitempty"`
	Reservation   *model.Reservation `json:"reservation,omitempty"`
	Kind          errs.Kind          `json:"kind,omitempty"`
	Attempts      int                `json:"attempts"`
	Trace         []State            `json:"trace"`
	Err           error              `json:"-"`
}

// Service seats reservations and manages their lifecycle.
type Service struct {
	store     Store
	locker    Locker
	publisher Publisher
	cfg       Config
	logger    zerolog.Logger
}

// NewService wires a Service. A nil logger disables logging.
func NewService(st Store, locker Locker, cfg Config, logger *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "allocation").Logger()
	}
	return &Service{store: st, locker: locker, cfg: cfg.withDefaults(), logger: l}
}

// WithEvents publishes committed changes to p.
func (s *Service) WithEvents(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) publish(eventType string, r *model.Reservation) {
	if s.publisher == nil || r == nil {
		return
	}
	s.publisher.Publish(events.Event{
		Type:          eventType,
		RestaurantID:  r.RestaurantID,
		ReservationID: r.ID,
		StartsAt:      r.StartsAt,
		PartySize:     r.PartySize,
	})
}

// Run allocates and persists a reservation under the allocation lock,
// retrying lock timeouts and write conflicts within the attempt budget.
func (s *Service) Run(ctx context.Context, req Request) Result {
	started := time.Now()
	var res Result

	reservation, err := s.run(ctx, req, &res)
	if err == nil {
		res.Success = true
		res.Reservation = reservation
		res.ReservationID = reservation.ID
		seating := string(allocator.Single)
		if reservation.UsesCombination() {
			seating = string(allocator.Combination)
		}
		metrics.IncAllocationSeating(seating)
	} else {
		res.Err = err
		res.Kind = surfacedKind(err)
	}

	outcome := string(res.Kind)
	if res.Success {
		outcome = "success"
	}
	metrics.IncAllocationResult(outcome)
	metrics.ObserveAllocationDuration(time.Since(started))

	event := s.logger.Info()
	if !res.Success {
		event = s.logger.Warn().Err(err).Str("kind", string(res.Kind))
	}
	event.Int64("restaurant_id", req.RestaurantID).
		Time("starts_at", req.StartsAt).
		Int("party_size", model.PartySizeOf(req.Adults, req.Children)).
		Int("attempts", res.Attempts).
		Int64("reservation_id", res.ReservationID).
		Msg("allocation finished")
	return res
}

func (s *Service) run(ctx context.Context, req Request, res *Result) (*model.Reservation, error) {
	party := model.PartySizeOf(req.Adults, req.Children)
	if req.Adults < 0 || req.Children < 0 {
		return nil, errs.Markf(errs.ErrConfiguration, "adults and children cannot be negative")
	}
	if !req.StartsAt.Equal(req.StartsAt.Truncate(time.Minute)) {
		return nil, errs.Markf(errs.ErrConfiguration, "start time %s is not on a whole minute", req.StartsAt.Format(time.RFC3339Nano))
	}
	restaurant, err := s.store.Restaurant(ctx, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	if err := restaurant.Policy.CheckPartySize(party); err != nil {
		return nil, errs.Mark(err, errs.ErrConfiguration)
	}

	key := lock.Key(req.RestaurantID, req.StartsAt, party, s.cfg.PartyBucketWidth)
	var created *model.Reservation
	err = s.withRetry(ctx, res, func() error {
		r, err := s.attempt(ctx, key, req, party, &res.Trace)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	return created, err
}

// attempt is one pass of the state machine. The lock is released on every
// exit path, panics included.
func (s *Service) attempt(ctx context.Context, key string, req Request, party int, trace *[]State) (*model.Reservation, error) {
	*trace = append(*trace, StateStart)

	token, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		*trace = append(*trace, StateLockFailed)
		return nil, err
	}
	*trace = append(*trace, StateLockAcquired)
	defer func() {
		s.release(ctx, key, token)
		*trace = append(*trace, StateLockReleased)
	}()

	if req.AllocationToken != "" {
		existing, err := s.store.ReservationByToken(ctx, req.AllocationToken)
		if err == nil {
			s.logger.Debug().Str("token", req.AllocationToken).Int64("reservation_id", existing.ID).Msg("allocation replayed")
			*trace = append(*trace, StatePersisted)
			return existing, nil
		}
		if !errs.Is(err, errs.ErrNotFound) {
			return nil, err
		}
	}

	p, err := s.reassess(ctx, req.RestaurantID, req.StartsAt, party, req.PeriodID, 0)
	if err != nil {
		return nil, err
	}
	*trace = append(*trace, StateReassessed)
	if !p.result.Found() {
		*trace = append(*trace, StateNoAvailability)
		return nil, errs.Markf(errs.ErrNoAvailability, "no table for %d guests at %s", party, req.StartsAt.Format(time.RFC3339))
	}
	*trace = append(*trace, StateAllocated)

	r := &model.Reservation{
		RestaurantID:    req.RestaurantID,
		StartsAt:        req.StartsAt,
		Adults:          req.Adults,
		Children:        req.Children,
		PartySize:       party,
		Status:          model.StatusConfirmed,
		AllocationToken: req.AllocationToken,
	}
	p.seat(r)

	slots, err := s.slots(p, r)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateReservation(ctx, r, slots); err != nil {
		*trace = append(*trace, StatePersistFailed)
		return nil, err
	}
	*trace = append(*trace, StatePersisted)
	s.publish(events.ReservationCreated, r)

	s.logger.Debug().Int64("reservation_id", r.ID).Str("seating", allocator.Describe(p.result)).Msg("reservation persisted")
	return r, nil
}

// Allocate decides a seating for the party at `at` against the current
// reservations. It never writes; Run calls it inside the lock.
func (s *Service) Allocate(ctx context.Context, restaurantID int64, at time.Time, partySize int, periodID int64) (allocator.Result, error) {
	p, err := s.reassess(ctx, restaurantID, at, partySize, periodID, 0)
	if err != nil {
		return allocator.Result{Kind: allocator.None}, err
	}
	return p.result, nil
}

type plan struct {
	restaurant *model.Restaurant
	period     *model.Period
	result     allocator.Result
}

func (p plan) periodID() int64 {
	if p.period == nil {
		return 0
	}
	return p.period.ID
}

// seat copies the allocation onto r.
func (p plan) seat(r *model.Reservation) {
	r.PeriodID = p.periodID()
	r.TableID = nil
	r.Combination = nil
	switch p.result.Kind {
	case allocator.Single:
		id := p.result.Table.ID
		r.TableID = &id
	case allocator.Combination:
		r.Combination = &model.TableCombination{
			TableIDs:      p.result.TableIDs(),
			TotalCapacity: p.result.TotalCapacity(),
		}
	}
}

// reassess loads fresh state and runs conflict detection and table selection.
// excludeID ignores a reservation being re-seated.
func (s *Service) reassess(ctx context.Context, restaurantID int64, at time.Time, party int, periodID, excludeID int64) (plan, error) {
	restaurant, err := s.store.Restaurant(ctx, restaurantID)
	if err != nil {
		return plan{}, err
	}
	if err := restaurant.Policy.CheckPartySize(party); err != nil {
		return plan{}, errs.Mark(err, errs.ErrConfiguration)
	}

	p := plan{restaurant: restaurant, result: allocator.Result{Kind: allocator.None}}
	period, open := restaurant.OpenAt(at, periodID)
	if !open {
		return p, nil
	}
	p.period = period
	if conflict.ModeFor(restaurant.Policy) == conflict.UnlimitedDining && period == nil {
		return p, errs.Markf(errs.ErrConfiguration, "restaurant %d uses unlimited dining but has no service periods", restaurantID)
	}

	tables, err := s.store.Tables(ctx, restaurantID)
	if err != nil {
		return p, err
	}
	bookable := allocator.Candidates(tables, nil)
	if len(bookable) == 0 {
		return p, errs.Markf(errs.ErrConfiguration, "restaurant %d has no active tables", restaurantID)
	}
	groups, err := s.store.Groups(ctx, restaurantID)
	if err != nil {
		return p, err
	}

	req := conflict.Request{
		Target:               at,
		PeriodID:             p.periodID(),
		Policy:               restaurant.Policy,
		Location:             restaurant.Location(),
		ExcludeReservationID: excludeID,
	}
	from, to := conflict.ScanRange(req)
	existing, err := s.store.ActiveReservations(ctx, restaurantID, from, to)
	if err != nil {
		return p, err
	}

	occupied := conflict.Occupied(bookable, req, existing)
	p.result, err = allocator.Allocate(allocator.Candidates(bookable, occupied), groups, party, restaurant.Policy)
	return p, err
}

func (s *Service) slots(p plan, r *model.Reservation) ([]store.Slot, error) {
	ids := r.TableIDs()
	if conflict.ModeFor(p.restaurant.Policy) == conflict.UnlimitedDining {
		if p.period == nil {
			return nil, errs.Markf(errs.ErrConfiguration, "unlimited dining reservation needs a period")
		}
		return store.PeriodSlots(ids, r.StartsAt, p.restaurant.Location(), p.period.ID), nil
	}
	return store.FixedSlots(ids, r.StartsAt, p.restaurant.Policy.Occupancy()), nil
}

// release runs on a context detached from the caller so an expired request
// deadline cannot leave the key held until TTL.
func (s *Service) release(ctx context.Context, key, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.locker.Release(releaseCtx, key, token); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("lock release failed")
	}
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, the
// attempt budget runs out or ctx ends.
func (s *Service) withRetry(ctx context.Context, res *Result, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err = fn()
		if err == nil {
			return nil
		}
		if !errs.Retryable(err) || attempt == s.cfg.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return errs.Mark(err, errs.ErrLockTimeout)
		}

		metrics.IncAllocationRetry()
		wait := backoff(s.cfg.RetryBackoff, attempt)
		s.logger.Debug().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying allocation")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.Mark(err, errs.ErrLockTimeout)
		case <-timer.C:
		}
	}
	return err
}

// backoff doubles base per attempt and spreads it over [d/2, d].
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + rand.Int63n(half+1))
}

// surfacedKind folds internal contention into NoAvailability, unknown
// restaurants into configuration errors and anything unclassified into
// StoreUnavailable.
func surfacedKind(err error) errs.Kind {
	switch kind := errs.KindOf(err); kind {
	case errs.KindLockTimeout, errs.KindConcurrencyConflict:
		return errs.KindNoAvailability
	case errs.KindNotFound:
		return errs.KindConfiguration
	case errs.KindInternal:
		return errs.KindStoreUnavailable
	default:
		return kind
	}
}
