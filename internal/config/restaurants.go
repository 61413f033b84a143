package config

import (
	"fmt"
	"os"
	"time"

	"tablealloc/internal/model"

	"gopkg.in/yaml.v3"
)

// TableConfig is one physical table inside a group.
type TableConfig struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	MinCapacity int    `yaml:"min_capacity"`
	MaxCapacity int    `yaml:"max_capacity"`
	CanCombine  bool   `yaml:"can_combine"`
	Status      string `yaml:"status,omitempty"` // normal, maintenance, cleaning, out_of_service
	Active      *bool  `yaml:"active,omitempty"`
	SortOrder   int    `yaml:"sort_order"`
}

// IsActive treats a missing flag as active.
func (t TableConfig) IsActive() bool {
	return t.Active == nil || *t.Active
}

// GroupConfig is a seating zone. Tables combine only within their group.
type GroupConfig struct {
	ID       int64         `yaml:"id"`
	Name     string        `yaml:"name"`
	Priority int           `yaml:"priority"`
	Tables   []TableConfig `yaml:"tables"`
}

// PeriodConfig is a service period such as lunch or dinner.
type PeriodConfig struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	Start       string `yaml:"start"` // "11:30"
	End         string `yaml:"end"`   // "15:00"
	Weekdays    []int  `yaml:"weekdays,omitempty"`
	SlotMinutes int    `yaml:"slot_minutes"`
}

// ClosureConfig closes a restaurant for a whole date.
type ClosureConfig struct {
	Date   string `yaml:"date"` // "2026-01-01"
	Reason string `yaml:"reason"`
}

type RestaurantConfig struct {
	ID       int64                  `yaml:"id"`
	Name     string                 `yaml:"name"`
	Timezone string                 `yaml:"timezone"`
	Policy   model.RestaurantPolicy `yaml:"policy"`
	Periods  []PeriodConfig         `yaml:"periods"`
	Groups   []GroupConfig          `yaml:"groups"`
	Closures []ClosureConfig        `yaml:"closures,omitempty"`
}

// DefaultsConfig fills policy fields a restaurant leaves unset.
type DefaultsConfig struct {
	DiningDurationMinutes int `yaml:"dining_duration_minutes"`
	BufferMinutes         int `yaml:"buffer_minutes"`
	SlotMinutes           int `yaml:"slot_minutes"`
}

// RestaurantsConfig is the root of restaurants.yaml.
type RestaurantsConfig struct {
	Restaurants []RestaurantConfig `yaml:"restaurants"`
	Defaults    DefaultsConfig     `yaml:"defaults"`
}

// LoadRestaurantsConfig loads and validates restaurants.yaml.
func LoadRestaurantsConfig(path string) (*RestaurantsConfig, error) {
	if path == "" {
		path = "configs/restaurants.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read restaurants config: %w", err)
	}

	return ParseRestaurantsConfig(data)
}

// ParseRestaurantsConfig decodes, defaults and validates raw YAML.
func ParseRestaurantsConfig(data []byte) (*RestaurantsConfig, error) {
	var cfg RestaurantsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse restaurants config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate restaurants config: %w", err)
	}

	return &cfg, nil
}

func (c *RestaurantsConfig) applyDefaults() {
	for i := range c.Restaurants {
		r := &c.Restaurants[i]
		if r.Timezone == "" {
			r.Timezone = "UTC"
		}
		if !r.Policy.UnlimitedDiningTime && r.Policy.DiningDurationMinutes == 0 {
			r.Policy.DiningDurationMinutes = c.Defaults.DiningDurationMinutes
			if r.Policy.DiningDurationMinutes == 0 {
				r.Policy.DiningDurationMinutes = 120
			}
		}
		if r.Policy.BufferMinutes == 0 {
			r.Policy.BufferMinutes = c.Defaults.BufferMinutes
		}
		if r.Policy.AllowTableCombinations && r.Policy.MaxCombinationTables == 0 {
			r.Policy.MaxCombinationTables = 2
		}
		for j := range r.Periods {
			if r.Periods[j].SlotMinutes == 0 {
				r.Periods[j].SlotMinutes = c.Defaults.SlotMinutes
			}
			if r.Periods[j].SlotMinutes == 0 {
				r.Periods[j].SlotMinutes = 30
			}
		}
		for j := range r.Groups {
			for k := range r.Groups[j].Tables {
				t := &r.Groups[j].Tables[k]
				if t.MinCapacity == 0 {
					t.MinCapacity = 1
				}
				if t.Status == "" {
					t.Status = string(model.TableNormal)
				}
			}
		}
	}
}

// Validate checks the configuration for errors. Table, group and period ids
// are global because they become primary keys.
func (c *RestaurantsConfig) Validate() error {
	if len(c.Restaurants) == 0 {
		return fmt.Errorf("no restaurants defined")
	}

	restaurantIDs := make(map[int64]bool)
	groupIDs := make(map[int64]bool)
	tableIDs := make(map[int64]bool)
	periodIDs := make(map[int64]bool)

	for i, r := range c.Restaurants {
		prefix := fmt.Sprintf("restaurant[%d]", i)
		if r.ID <= 0 {
			return fmt.Errorf("%s: id must be positive, got %d", prefix, r.ID)
		}
		if restaurantIDs[r.ID] {
			return fmt.Errorf("%s: duplicate id %d", prefix, r.ID)
		}
		restaurantIDs[r.ID] = true

		if r.Name == "" {
			return fmt.Errorf("%s: name is required", prefix)
		}
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("%s: unknown timezone %q", prefix, r.Timezone)
		}
		if err := r.Policy.Validate(); err != nil {
			return fmt.Errorf("%s.policy: %w", prefix, err)
		}

		for j, p := range r.Periods {
			pp := fmt.Sprintf("%s.periods[%d]", prefix, j)
			if p.ID <= 0 {
				return fmt.Errorf("%s: id must be positive", pp)
			}
			if periodIDs[p.ID] {
				return fmt.Errorf("%s: duplicate id %d", pp, p.ID)
			}
			periodIDs[p.ID] = true
			if err := validatePeriod(p, pp); err != nil {
				return err
			}
		}

		for j, g := range r.Groups {
			gp := fmt.Sprintf("%s.groups[%d]", prefix, j)
			if g.ID <= 0 {
				return fmt.Errorf("%s: id must be positive", gp)
			}
			if groupIDs[g.ID] {
				return fmt.Errorf("%s: duplicate id %d", gp, g.ID)
			}
			groupIDs[g.ID] = true
			if g.Name == "" {
				return fmt.Errorf("%s: name is required", gp)
			}

			for k, t := range g.Tables {
				tp := fmt.Sprintf("%s.tables[%d]", gp, k)
				if t.ID <= 0 {
					return fmt.Errorf("%s: id must be positive", tp)
				}
				if tableIDs[t.ID] {
					return fmt.Errorf("%s: duplicate id %d", tp, t.ID)
				}
				tableIDs[t.ID] = true
				if t.MinCapacity < 1 {
					return fmt.Errorf("%s: min_capacity must be at least 1", tp)
				}
				if t.MaxCapacity < t.MinCapacity {
					return fmt.Errorf("%s: max_capacity %d below min_capacity %d", tp, t.MaxCapacity, t.MinCapacity)
				}
				if !model.OperationalStatus(t.Status).Valid() {
					return fmt.Errorf("%s: unknown status %q", tp, t.Status)
				}
			}
		}

		for j, cl := range r.Closures {
			if _, err := time.Parse("2006-01-02", cl.Date); err != nil {
				return fmt.Errorf("%s.closures[%d]: invalid date format '%s', expected YYYY-MM-DD", prefix, j, cl.Date)
			}
		}
	}

	return nil
}

func validatePeriod(p PeriodConfig, prefix string) error {
	if p.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	start, err := time.Parse("15:04", p.Start)
	if err != nil {
		return fmt.Errorf("%s.start: invalid format '%s', expected HH:MM", prefix, p.Start)
	}
	end, err := time.Parse("15:04", p.End)
	if err != nil {
		return fmt.Errorf("%s.end: invalid format '%s', expected HH:MM", prefix, p.End)
	}
	if start.Equal(end) {
		return fmt.Errorf("%s: end must differ from start", prefix)
	}
	if end.Before(start) && p.End != "00:00" {
		return fmt.Errorf("%s: period %s-%s crosses midnight, split it at 00:00", prefix, p.Start, p.End)
	}
	if p.SlotMinutes <= 0 {
		return fmt.Errorf("%s.slot_minutes must be positive", prefix)
	}
	for i, d := range p.Weekdays {
		if d < 1 || d > 7 {
			return fmt.Errorf("%s.weekdays[%d]: invalid day %d, must be 1-7 (1=Mon, 7=Sun)", prefix, i, d)
		}
	}
	return nil
}

// RestaurantByID returns the restaurant config by id.
func (c *RestaurantsConfig) RestaurantByID(id int64) *RestaurantConfig {
	for i := range c.Restaurants {
		if c.Restaurants[i].ID == id {
			return &c.Restaurants[i]
		}
	}
	return nil
}

// String returns a summary of the configuration.
func (c *RestaurantsConfig) String() string {
	tables := 0
	for _, r := range c.Restaurants {
		for _, g := range r.Groups {
			tables += len(g.Tables)
		}
	}
	return fmt.Sprintf("RestaurantsConfig: %d restaurants, %d tables", len(c.Restaurants), tables)
}
