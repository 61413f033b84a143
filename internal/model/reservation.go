package model

import (
	"fmt"
	"time"
)

// Reservation is one party seated at a table or a table combination.
type Reservation struct {
	ID              int64             `json:"id"`
	RestaurantID    int64             `json:"restaurant_id"`
	TableID         *int64            `json:"table_id,omitempty"` // nil when Combination is set
	PeriodID        int64             `json:"period_id"`
	StartsAt        time.Time         `json:"starts_at"`
	Adults          int               `json:"adults"`
	Children        int               `json:"children"`
	PartySize       int               `json:"party_size"`
	Status          Status            `json:"status"`
	Version         int64             `json:"version"`
	AllocationToken string            `json:"allocation_token,omitempty"`
	Combination     *TableCombination `json:"combination,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TableIDs returns every physical table the reservation occupies.
func (r *Reservation) TableIDs() []int64 {
	if r.Combination != nil && len(r.Combination.TableIDs) > 0 {
		return r.Combination.TableIDs
	}
	if r.TableID != nil {
		return []int64{*r.TableID}
	}
	return nil
}

// UsesCombination reports whether the seating is a multi-table combination.
func (r *Reservation) UsesCombination() bool {
	return r.Combination != nil
}

// Validate checks the seating assignment invariants before persisting.
func (r *Reservation) Validate() error {
	if r.PartySize != r.Adults+r.Children {
		return fmt.Errorf("party size %d does not match adults %d + children %d", r.PartySize, r.Adults, r.Children)
	}
	if r.PartySize < 1 {
		return fmt.Errorf("party size must be positive")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Combination == nil {
		if r.TableID == nil {
			return fmt.Errorf("reservation has no seating assignment")
		}
		return nil
	}
	c := r.Combination
	if len(c.TableIDs) < 2 {
		return fmt.Errorf("combination needs at least 2 tables, got %d", len(c.TableIDs))
	}
	seen := make(map[int64]struct{}, len(c.TableIDs))
	for _, id := range c.TableIDs {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("combination repeats table %d", id)
		}
		seen[id] = struct{}{}
	}
	if c.TotalCapacity < r.PartySize {
		return fmt.Errorf("combination capacity %d below party size %d", c.TotalCapacity, r.PartySize)
	}
	if r.TableID != nil {
		return fmt.Errorf("reservation has both a direct table and a combination")
	}
	return nil
}

// DisplayTableID is the table shown to staff: the direct table, or the
// primary member of the combination.
func (r *Reservation) DisplayTableID() (int64, bool) {
	if r.TableID != nil {
		return *r.TableID, true
	}
	if r.Combination != nil && len(r.Combination.TableIDs) > 0 {
		return r.Combination.TableIDs[0], true
	}
	return 0, false
}

// PartySizeOf sums adults and children.
func PartySizeOf(adults, children int) int {
	return adults + children
}
