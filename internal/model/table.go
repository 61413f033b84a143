package model

import "time"

// OperationalStatus is the table state independent of reservations.
type OperationalStatus string

const (
	TableNormal       OperationalStatus = "normal"
	TableMaintenance  OperationalStatus = "maintenance"
	TableCleaning     OperationalStatus = "cleaning"
	TableOutOfService OperationalStatus = "out_of_service"
)

// Valid reports whether s is a known operational status.
func (s OperationalStatus) Valid() bool {
	switch s {
	case TableNormal, TableMaintenance, TableCleaning, TableOutOfService:
		return true
	}
	return false
}

type Table struct {
	ID           int64             `json:"id"`
	RestaurantID int64             `json:"restaurant_id"`
	GroupID      int64             `json:"group_id"`
	Name         string            `json:"name"`
	MinCapacity  int               `json:"min_capacity"`
	MaxCapacity  int               `json:"max_capacity"`
	CanCombine   bool              `json:"can_combine"`
	Status       OperationalStatus `json:"operational_status"`
	IsActive     bool              `json:"active"`
	SortOrder    int               `json:"sort_order"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Fits reports whether the party can sit at this table alone.
func (t *Table) Fits(partySize int) bool {
	return t.MinCapacity <= partySize && partySize <= t.MaxCapacity
}

// IsBookable reports whether the table may receive reservations at all.
func (t *Table) IsBookable() bool {
	return t.IsActive && (t.Status == TableNormal || t.Status == "")
}

// TableGroup is a logical zone; combinations never cross groups.
type TableGroup struct {
	ID           int64  `json:"id"`
	RestaurantID int64  `json:"restaurant_id"`
	Name         string `json:"name"`
	Priority     int    `json:"priority"`
}

// TableCombination is the multi-table seating assignment of one reservation.
type TableCombination struct {
	ID            int64   `json:"id"`
	ReservationID int64   `json:"reservation_id"`
	TableIDs      []int64 `json:"table_ids"`
	TotalCapacity int     `json:"total_capacity"`
}
