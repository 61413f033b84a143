// Package conflict decides which tables are already occupied at a requested time.
package conflict

import (
	"fmt"
	"sync"
	"time"

	"tablealloc/internal/model"
)

// Mode is the occupancy model selected by restaurant policy.
type Mode int

const (
	// FixedDuration occupies [start, start+duration+buffer).
	FixedDuration Mode = iota
	// UnlimitedDining occupies the whole reservation period on that date.
	UnlimitedDining
)

func (m Mode) String() string {
	if m == UnlimitedDining {
		return "unlimited_dining"
	}
	return "fixed_duration"
}

// ModeFor returns the occupancy model of a policy.
func ModeFor(p model.RestaurantPolicy) Mode {
	if p.UnlimitedDiningTime {
		return UnlimitedDining
	}
	return FixedDuration
}

// Request describes the candidate seating being checked.
type Request struct {
	Target   time.Time
	PeriodID int64
	Policy   model.RestaurantPolicy
	// Location defines calendar dates; nil means Target's own location.
	Location *time.Location
	// ExcludeReservationID ignores one reservation, used when re-allocating it.
	ExcludeReservationID int64
}

func (r Request) loc() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return r.Target.Location()
}

// Window returns the half-open fixed-duration occupancy interval.
func Window(start time.Time, p model.RestaurantPolicy) (time.Time, time.Time) {
	return start, start.Add(p.Occupancy())
}

// Overlaps reports whether [aStart, aEnd) and [bStart, bEnd) intersect.
// Touching intervals (aEnd == bStart) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// SameDate compares calendar dates in loc.
func SameDate(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// StartOfDay truncates t to midnight in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)
}

// ScanRange is the coarse pre-filter handed to storage: reservations starting
// inside [from, to) may conflict with the request, nothing outside can.
func ScanRange(req Request) (time.Time, time.Time) {
	loc := req.loc()
	dayStart := StartOfDay(req.Target, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	if ModeFor(req.Policy) == UnlimitedDining {
		return dayStart, dayEnd
	}

	occ := req.Policy.Occupancy()
	from := dayStart
	if s := req.Target.Add(-occ); s.Before(from) {
		from = s
	}
	to := dayEnd
	if _, end := Window(req.Target, req.Policy); end.After(to) {
		to = end
	}
	return from, to
}

// Conflicts reports whether an existing reservation blocks the request.
func Conflicts(req Request, existing *model.Reservation) bool {
	if !existing.Status.IsActive() {
		return false
	}
	if req.ExcludeReservationID != 0 && existing.ID == req.ExcludeReservationID {
		return false
	}

	if ModeFor(req.Policy) == UnlimitedDining {
		return existing.PeriodID == req.PeriodID && SameDate(existing.StartsAt, req.Target, req.loc())
	}

	newStart, newEnd := Window(req.Target, req.Policy)
	oldStart, oldEnd := Window(existing.StartsAt, req.Policy)
	return Overlaps(oldStart, oldEnd, newStart, newEnd)
}

// Occupied returns the ids of tables, out of the given set, that are held by a
// conflicting reservation either directly or through a combination.
func Occupied(tables []model.Table, req Request, existing []model.Reservation) map[int64]struct{} {
	wanted := make(map[int64]struct{}, len(tables))
	for i := range tables {
		wanted[tables[i].ID] = struct{}{}
	}

	from, to := ScanRange(req)
	occupied := make(map[int64]struct{})
	for i := range existing {
		r := &existing[i]
		// Coarse pass first; the exact predicate only runs on plausible rows.
		if r.StartsAt.Before(from) || !r.StartsAt.Before(to) {
			continue
		}
		if !Conflicts(req, r) {
			continue
		}
		for _, id := range r.TableIDs() {
			if _, ok := wanted[id]; ok {
				occupied[id] = struct{}{}
			}
		}
	}
	return occupied
}

// Memo caches occupied sets within a single allocation attempt, keyed by
// restaurant, period and minute-rounded time.
type Memo struct {
	mu      sync.Mutex
	entries map[string]map[int64]struct{}
}

func NewMemo() *Memo {
	return &Memo{entries: make(map[string]map[int64]struct{})}
}

func memoKey(restaurantID, periodID int64, t time.Time) string {
	return fmt.Sprintf("%d:%d:%d", restaurantID, periodID, t.Truncate(time.Minute).Unix())
}

// Occupied returns the memoized set, computing it with fn on a miss.
func (m *Memo) Occupied(restaurantID int64, req Request, fn func() (map[int64]struct{}, error)) (map[int64]struct{}, error) {
	key := memoKey(restaurantID, req.PeriodID, req.Target)

	m.mu.Lock()
	if set, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return set, nil
	}
	m.mu.Unlock()

	set, err := fn()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[key] = set
	m.mu.Unlock()
	return set, nil
}
