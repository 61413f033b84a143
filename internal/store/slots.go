package store

import (
	"time"
)

// Slot is one row of the occupancy ledger. PeriodID is set only for
// unlimited-dining reservations, which occupy a whole period per date.
type Slot struct {
	TableID  int64
	Date     string
	Hour     int
	Minute   int
	PeriodID int64
}

// FixedSlots covers [start, start+occupancy) with one UTC row per minute.
// Starts and occupancies are whole minutes, so two windows share a row
// exactly when they overlap and back-to-back windows never do.
func FixedSlots(tableIDs []int64, start time.Time, occupancy time.Duration) []Slot {
	from := start.UTC().Truncate(time.Minute)
	end := start.UTC().Add(occupancy)

	var out []Slot
	for _, id := range tableIDs {
		for t := from; t.Before(end); t = t.Add(time.Minute) {
			out = append(out, Slot{
				TableID: id,
				Date:    t.Format("2006-01-02"),
				Hour:    t.Hour(),
				Minute:  t.Minute(),
			})
		}
	}
	return out
}

// PeriodSlots holds each table for the whole period on start's local date.
func PeriodSlots(tableIDs []int64, start time.Time, loc *time.Location, periodID int64) []Slot {
	local := start.In(loc)
	out := make([]Slot, 0, len(tableIDs))
	for _, id := range tableIDs {
		out = append(out, Slot{
			TableID:  id,
			Date:     local.Format("2006-01-02"),
			Hour:     local.Hour(),
			Minute:   local.Minute(),
			PeriodID: periodID,
		})
	}
	return out
}
