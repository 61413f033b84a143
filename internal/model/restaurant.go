package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HardMaxCombinationTables bounds the combination search regardless of policy.
const HardMaxCombinationTables = 4

// RestaurantPolicy is the seating policy consumed by the allocator.
type RestaurantPolicy struct {
	DiningDurationMinutes  int  `json:"dining_duration_minutes" yaml:"dining_duration_minutes"`
	BufferMinutes          int  `json:"buffer_minutes" yaml:"buffer_minutes"`
	UnlimitedDiningTime    bool `json:"unlimited_dining_time" yaml:"unlimited_dining_time"`
	AllowTableCombinations bool `json:"allow_table_combinations" yaml:"allow_table_combinations"`
	MaxCombinationTables   int  `json:"max_combination_tables" yaml:"max_combination_tables"`
	MinPartySize           int  `json:"min_party_size" yaml:"min_party_size"`
	MaxPartySize           int  `json:"max_party_size" yaml:"max_party_size"`
}

// Occupancy is how long a fixed-duration reservation holds its tables.
func (p RestaurantPolicy) Occupancy() time.Duration {
	return time.Duration(p.DiningDurationMinutes+p.BufferMinutes) * time.Minute
}

// Validate checks the policy bounds.
func (p RestaurantPolicy) Validate() error {
	if !p.UnlimitedDiningTime && p.DiningDurationMinutes <= 0 {
		return fmt.Errorf("dining_duration_minutes must be positive")
	}
	if p.BufferMinutes < 0 {
		return fmt.Errorf("buffer_minutes cannot be negative")
	}
	if p.AllowTableCombinations {
		if p.MaxCombinationTables < 2 {
			return fmt.Errorf("max_combination_tables must be at least 2 when combinations are allowed")
		}
		if p.MaxCombinationTables > HardMaxCombinationTables {
			return fmt.Errorf("max_combination_tables %d exceeds limit %d", p.MaxCombinationTables, HardMaxCombinationTables)
		}
	}
	if p.MinPartySize < 0 || p.MaxPartySize < 0 {
		return fmt.Errorf("party size bounds cannot be negative")
	}
	if p.MaxPartySize > 0 && p.MinPartySize > p.MaxPartySize {
		return fmt.Errorf("min_party_size %d greater than max_party_size %d", p.MinPartySize, p.MaxPartySize)
	}
	return nil
}

// CheckPartySize validates a party against the policy bounds.
func (p RestaurantPolicy) CheckPartySize(partySize int) error {
	if partySize < 1 {
		return fmt.Errorf("party size must be at least 1, got %d", partySize)
	}
	if p.MinPartySize > 0 && partySize < p.MinPartySize {
		return fmt.Errorf("party size %d below minimum %d", partySize, p.MinPartySize)
	}
	if p.MaxPartySize > 0 && partySize > p.MaxPartySize {
		return fmt.Errorf("party size %d above maximum %d", partySize, p.MaxPartySize)
	}
	return nil
}

// Period is a named operating window such as lunch or dinner.
type Period struct {
	ID           int64  `json:"id"`
	RestaurantID int64  `json:"restaurant_id"`
	Name         string `json:"name"`
	Start        string `json:"start"` // "11:30"
	End          string `json:"end"`   // "15:00"
	Weekdays     []int  `json:"weekdays"`
	SlotMinutes  int    `json:"slot_minutes"`
}

// OpenOn reports whether the period runs on the weekday (1=Mon, 7=Sun).
func (p *Period) OpenOn(weekday time.Weekday) bool {
	if len(p.Weekdays) == 0 {
		return true
	}
	day := int(weekday)
	if day == 0 {
		day = 7
	}
	for _, d := range p.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Bounds returns the period start and end on the given date.
func (p *Period) Bounds(date time.Time) (time.Time, time.Time, error) {
	start, err := ClockOn(date, p.Start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period %d start: %w", p.ID, err)
	}
	end, err := ClockOn(date, p.End)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("period %d end: %w", p.ID, err)
	}
	if !end.After(start) {
		end = end.Add(24 * time.Hour)
	}
	return start, end, nil
}

// Contains reports whether t falls into the period on t's date.
func (p *Period) Contains(t time.Time) bool {
	if !p.OpenOn(t.Weekday()) {
		return false
	}
	start, end, err := p.Bounds(t)
	if err != nil {
		return false
	}
	return !t.Before(start) && t.Before(end)
}

type Restaurant struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Timezone  string           `json:"timezone"`
	Policy    RestaurantPolicy `json:"policy"`
	Periods   []Period         `json:"periods"`
	Closures  []Closure        `json:"closures,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Closure shuts a restaurant for a whole local date.
type Closure struct {
	Date   string `json:"date"` // "2026-01-01"
	Reason string `json:"reason,omitempty"`
}

// ClosedOn reports whether t's local date is a closure day.
func (r *Restaurant) ClosedOn(t time.Time) (bool, string) {
	day := t.In(r.Location()).Format("2006-01-02")
	for _, c := range r.Closures {
		if c.Date == day {
			return true, c.Reason
		}
	}
	return false, ""
}

// Location resolves the restaurant timezone, falling back to UTC.
func (r *Restaurant) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PeriodAt returns the period covering t, if any.
func (r *Restaurant) PeriodAt(t time.Time) (*Period, bool) {
	local := t.In(r.Location())
	for i := range r.Periods {
		if r.Periods[i].Contains(local) {
			return &r.Periods[i], true
		}
	}
	return nil, false
}

// ClockOn places an "HH:MM" wall-clock time on date.
func ClockOn(date time.Time, clock string) (time.Time, error) {
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("invalid time format: %s", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("invalid hour in %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid minute in %q", clock)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location()), nil
}

// PeriodByID looks a period up by id.
func (r *Restaurant) PeriodByID(id int64) (*Period, bool) {
	for i := range r.Periods {
		if r.Periods[i].ID == id {
			return &r.Periods[i], true
		}
	}
	return nil, false
}

// OpenAt resolves the service period for t and reports whether the restaurant
// seats guests then. A non-zero periodID pins the period, which must cover t.
// Without configured periods the restaurant is open at
// any time; closures always apply.
func (r *Restaurant) OpenAt(t time.Time, periodID int64) (*Period, bool) {
	if closed, _ := r.ClosedOn(t); closed {
		return nil, false
	}
	local := t.In(r.Location())
	if periodID != 0 {
		p, ok := r.PeriodByID(periodID)
		if !ok || !p.Contains(local) {
			return nil, false
		}
		return p, true
	}
	if len(r.Periods) == 0 {
		return nil, true
	}
	return r.PeriodAt(t)
}
