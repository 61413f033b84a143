// Package availability answers advisory "is there room" questions without
// locking or writing anything.
package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tablealloc/internal/allocator"
	"tablealloc/internal/conflict"
	"tablealloc/internal/errs"
	"tablealloc/internal/metrics"
	"tablealloc/internal/model"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Catalog is the read side of the store the checker needs.
type Catalog interface {
	Restaurant(ctx context.Context, id int64) (*model.Restaurant, error)
	Tables(ctx context.Context, restaurantID int64) ([]model.Table, error)
	ActiveReservations(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.Reservation, error)
}

// Availability is the answer for one restaurant, time and party size.
type Availability struct {
	HasAvailability  bool          `json:"has_availability"`
	AvailableTables  []model.Table `json:"available_tables"`
	CombinableTables []model.Table `json:"combinable_tables"`
}

// TimeSlot is one bookable start time of a service period.
type TimeSlot struct {
	Start      time.Time `json:"start"`
	PeriodID   int64     `json:"period_id"`
	PeriodName string    `json:"period_name"`
	Available  bool      `json:"available"`
}

// Checker evaluates availability against current reservations.
type Checker struct {
	catalog  Catalog
	redis    redis.UniversalClient
	cacheTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func New(catalog Catalog, logger *zerolog.Logger) *Checker {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "availability").Logger()
	}
	return &Checker{catalog: catalog, logger: l, now: time.Now}
}

// UseRedisCache configures optional Redis caching of answers.
func (c *Checker) UseRedisCache(client redis.UniversalClient, ttl time.Duration) {
	c.redis = client
	c.cacheTTL = ttl
}

// CheckAvailability reports whether a party could be seated at `at`.
func (c *Checker) CheckAvailability(ctx context.Context, restaurantID int64, at time.Time, partySize int) (Availability, error) {
	r, err := c.catalog.Restaurant(ctx, restaurantID)
	if err != nil {
		return Availability{}, err
	}
	if err := r.Policy.CheckPartySize(partySize); err != nil {
		return Availability{}, errs.Mark(err, errs.ErrConfiguration)
	}

	key := fmt.Sprintf("availability:%d:%s:%d:%d",
		restaurantID, at.UTC().Truncate(time.Minute).Format("2006-01-02T15:04"), partySize, r.UpdatedAt.UnixNano())
	var cached Availability
	if c.readCache(ctx, key, &cached) {
		return cached, nil
	}

	period, open := r.OpenAt(at, 0)
	if !open {
		return Availability{}, nil
	}

	tables, err := c.bookableTables(ctx, restaurantID)
	if err != nil {
		return Availability{}, err
	}

	req := requestFor(r, at, period)
	from, to := conflict.ScanRange(req)
	existing, err := c.catalog.ActiveReservations(ctx, restaurantID, from, to)
	if err != nil {
		return Availability{}, err
	}

	av, err := evaluate(r, tables, existing, req, partySize)
	if err != nil {
		return Availability{}, err
	}
	c.writeCache(ctx, key, av)
	return av, nil
}

// AvailableTimes walks every period open on date in SlotMinutes steps and
// reports which start times could seat the party. Past times are unavailable.
func (c *Checker) AvailableTimes(ctx context.Context, restaurantID int64, date time.Time, partySize int) ([]TimeSlot, error) {
	r, err := c.catalog.Restaurant(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	if err := r.Policy.CheckPartySize(partySize); err != nil {
		return nil, errs.Mark(err, errs.ErrConfiguration)
	}

	loc := r.Location()
	day := conflict.StartOfDay(time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, loc), loc)

	key := fmt.Sprintf("available_times:%d:%s:%d:%d", restaurantID, day.Format("2006-01-02"), partySize, r.UpdatedAt.UnixNano())
	var cached []TimeSlot
	if c.readCache(ctx, key, &cached) {
		return markPast(cached, c.now()), nil
	}

	if closed, _ := r.ClosedOn(day); closed {
		return nil, nil
	}

	tables, err := c.bookableTables(ctx, restaurantID)
	if err != nil {
		return nil, err
	}

	// One query covers every window that can touch this day, including
	// periods running past midnight.
	from := day.Add(-r.Policy.Occupancy())
	to := day.AddDate(0, 0, 2)
	existing, err := c.catalog.ActiveReservations(ctx, restaurantID, from, to)
	if err != nil {
		return nil, err
	}

	memo := conflict.NewMemo()
	var out []TimeSlot
	for i := range r.Periods {
		p := &r.Periods[i]
		if !p.OpenOn(day.Weekday()) {
			continue
		}
		start, end, err := p.Bounds(day)
		if err != nil {
			return nil, errs.Mark(err, errs.ErrConfiguration)
		}
		step := time.Duration(p.SlotMinutes) * time.Minute
		if step <= 0 {
			step = 30 * time.Minute
		}

		for cursor := start; !cursor.Add(step).After(end); cursor = cursor.Add(step) {
			req := requestFor(r, cursor, p)
			occupied, err := memo.Occupied(restaurantID, req, func() (map[int64]struct{}, error) {
				return conflict.Occupied(tables, req, existing), nil
			})
			if err != nil {
				return nil, err
			}
			res, err := allocator.Allocate(allocator.Candidates(tables, occupied), nil, partySize, r.Policy)
			if err != nil {
				return nil, err
			}
			out = append(out, TimeSlot{Start: cursor, PeriodID: p.ID, PeriodName: p.Name, Available: res.Found()})
		}
	}

	c.writeCache(ctx, key, out)
	return markPast(out, c.now()), nil
}

// IsDateBookable reports whether any start time on date can seat the party.
func (c *Checker) IsDateBookable(ctx context.Context, restaurantID int64, date time.Time, partySize int) (bool, error) {
	slots, err := c.AvailableTimes(ctx, restaurantID, date, partySize)
	if err != nil {
		return false, err
	}
	for _, s := range slots {
		if s.Available {
			return true, nil
		}
	}
	return false, nil
}

func (c *Checker) bookableTables(ctx context.Context, restaurantID int64) ([]model.Table, error) {
	tables, err := c.catalog.Tables(ctx, restaurantID)
	if err != nil {
		return nil, err
	}
	out := allocator.Candidates(tables, nil)
	if len(out) == 0 {
		return nil, errs.Markf(errs.ErrConfiguration, "restaurant %d has no active tables", restaurantID)
	}
	return out, nil
}

func requestFor(r *model.Restaurant, at time.Time, period *model.Period) conflict.Request {
	req := conflict.Request{Target: at, Policy: r.Policy, Location: r.Location()}
	if period != nil {
		req.PeriodID = period.ID
	}
	return req
}

func evaluate(r *model.Restaurant, tables []model.Table, existing []model.Reservation, req conflict.Request, partySize int) (Availability, error) {
	occupied := conflict.Occupied(tables, req, existing)
	free := allocator.Candidates(tables, occupied)

	av := Availability{AvailableTables: []model.Table{}, CombinableTables: []model.Table{}}
	for _, t := range free {
		if t.Fits(partySize) {
			av.AvailableTables = append(av.AvailableTables, t)
		}
		if r.Policy.AllowTableCombinations && t.CanCombine {
			av.CombinableTables = append(av.CombinableTables, t)
		}
	}

	res, err := allocator.Allocate(free, nil, partySize, r.Policy)
	if err != nil {
		return Availability{}, err
	}
	av.HasAvailability = res.Found()
	return av, nil
}

func markPast(slots []TimeSlot, now time.Time) []TimeSlot {
	out := make([]TimeSlot, len(slots))
	for i, s := range slots {
		if s.Start.Before(now) {
			s.Available = false
		}
		out[i] = s
	}
	return out
}

// Invalidate drops every cached answer of a restaurant. It runs after a
// committed reservation change so readers do not wait out the TTL.
func (c *Checker) Invalidate(ctx context.Context, restaurantID int64) error {
	if c.redis == nil {
		return nil
	}
	var stale []string
	for _, pattern := range []string{
		fmt.Sprintf("availability:%d:*", restaurantID),
		fmt.Sprintf("available_times:%d:*", restaurantID),
	} {
		iter := c.redis.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			stale = append(stale, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}
	if len(stale) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, stale...).Err(); err != nil {
		return err
	}
	c.logger.Debug().Int64("restaurant_id", restaurantID).Int("keys", len(stale)).Msg("availability cache invalidated")
	return nil
}

func (c *Checker) readCache(ctx context.Context, key string, out any) bool {
	if c.redis == nil || c.cacheTTL <= 0 {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("availability cache read failed")
		}
		metrics.IncAvailabilityCache("miss")
		return false
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		metrics.IncAvailabilityCache("miss")
		return false
	}
	metrics.IncAvailabilityCache("hit")
	return true
}

func (c *Checker) writeCache(ctx context.Context, key string, val any) {
	if c.redis == nil || c.cacheTTL <= 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, key, data, c.cacheTTL).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("availability cache write failed")
	}
}
