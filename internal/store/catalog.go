package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tablealloc/internal/errs"
	"tablealloc/internal/model"
)

// Restaurant loads an active restaurant with its active periods and closures.
func (db *DB) Restaurant(ctx context.Context, id int64) (*model.Restaurant, error) {
	var r model.Restaurant
	err := db.QueryRowContext(ctx, `
		SELECT id, name, timezone, dining_duration_minutes, buffer_minutes, unlimited_dining_time,
		       allow_table_combinations, max_combination_tables, min_party_size, max_party_size, updated_at
		FROM restaurants
		WHERE id = ? AND is_active = 1`, id,
	).Scan(
		&r.ID, &r.Name, &r.Timezone,
		&r.Policy.DiningDurationMinutes, &r.Policy.BufferMinutes, &r.Policy.UnlimitedDiningTime,
		&r.Policy.AllowTableCombinations, &r.Policy.MaxCombinationTables,
		&r.Policy.MinPartySize, &r.Policy.MaxPartySize, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Markf(errs.ErrNotFound, "restaurant %d not found", id)
	}
	if err != nil {
		return nil, classify(err, "load restaurant")
	}

	if r.Periods, err = db.periods(ctx, id); err != nil {
		return nil, err
	}
	if r.Closures, err = db.closures(ctx, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) periods(ctx context.Context, restaurantID int64) ([]model.Period, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, restaurant_id, name, start_time, end_time, weekdays, slot_minutes
		FROM periods
		WHERE restaurant_id = ? AND is_active = 1
		ORDER BY start_time, id`, restaurantID)
	if err != nil {
		return nil, classify(err, "list periods")
	}
	defer rows.Close()

	var out []model.Period
	for rows.Next() {
		var p model.Period
		var weekdays string
		if err := rows.Scan(&p.ID, &p.RestaurantID, &p.Name, &p.Start, &p.End, &weekdays, &p.SlotMinutes); err != nil {
			return nil, classify(err, "scan period")
		}
		if p.Weekdays, err = parseWeekdays(weekdays); err != nil {
			return nil, classify(err, fmt.Sprintf("period %d weekdays", p.ID))
		}
		out = append(out, p)
	}
	return out, classify(rows.Err(), "list periods")
}

func (db *DB) closures(ctx context.Context, restaurantID int64) ([]model.Closure, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT closed_on, reason FROM restaurant_closures
		WHERE restaurant_id = ?
		ORDER BY closed_on`, restaurantID)
	if err != nil {
		return nil, classify(err, "list closures")
	}
	defer rows.Close()

	var out []model.Closure
	for rows.Next() {
		var c model.Closure
		if err := rows.Scan(&c.Date, &c.Reason); err != nil {
			return nil, classify(err, "scan closure")
		}
		out = append(out, c)
	}
	return out, classify(rows.Err(), "list closures")
}

// Tables returns every table of a restaurant in configured order, including
// inactive and non-operational ones.
func (db *DB) Tables(ctx context.Context, restaurantID int64) ([]model.Table, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, restaurant_id, group_id, name, min_capacity, max_capacity, can_combine,
		       operational_status, is_active, sort_order, created_at, updated_at
		FROM tables
		WHERE restaurant_id = ?
		ORDER BY sort_order, id`, restaurantID)
	if err != nil {
		return nil, classify(err, "list tables")
	}
	defer rows.Close()

	var out []model.Table
	for rows.Next() {
		var t model.Table
		var status string
		if err := rows.Scan(
			&t.ID, &t.RestaurantID, &t.GroupID, &t.Name, &t.MinCapacity, &t.MaxCapacity, &t.CanCombine,
			&status, &t.IsActive, &t.SortOrder, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, classify(err, "scan table")
		}
		t.Status = model.OperationalStatus(status)
		out = append(out, t)
	}
	return out, classify(rows.Err(), "list tables")
}

// Groups returns the active table groups of a restaurant.
func (db *DB) Groups(ctx context.Context, restaurantID int64) ([]model.TableGroup, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, restaurant_id, name, priority
		FROM table_groups
		WHERE restaurant_id = ? AND is_active = 1
		ORDER BY priority, id`, restaurantID)
	if err != nil {
		return nil, classify(err, "list groups")
	}
	defer rows.Close()

	var out []model.TableGroup
	for rows.Next() {
		var g model.TableGroup
		if err := rows.Scan(&g.ID, &g.RestaurantID, &g.Name, &g.Priority); err != nil {
			return nil, classify(err, "scan group")
		}
		out = append(out, g)
	}
	return out, classify(rows.Err(), "list groups")
}

// SetTableStatus changes a table's operational status and touches its
// restaurant so cached availability is recomputed.
func (db *DB) SetTableStatus(ctx context.Context, tableID int64, status model.OperationalStatus) error {
	if !status.Valid() {
		return errs.Markf(errs.ErrConfiguration, "unknown table status %q", status)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin table status")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var restaurantID int64
	err = tx.QueryRowContext(ctx, `SELECT restaurant_id FROM tables WHERE id = ?`, tableID).Scan(&restaurantID)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Markf(errs.ErrNotFound, "table %d not found", tableID)
	}
	if err != nil {
		return classify(err, "load table")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tables SET operational_status = ?, updated_at = ? WHERE id = ?`, string(status), now, tableID); err != nil {
		return classify(err, "update table status")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE restaurants SET updated_at = ? WHERE id = ?`, now, restaurantID); err != nil {
		return classify(err, "touch restaurant")
	}
	return classify(tx.Commit(), "commit table status")
}

func formatWeekdays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseWeekdays(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		out = append(out, d)
	}
	return out, nil
}
