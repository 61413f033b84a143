package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tablealloc/internal/config"
)

// SyncRestaurantsFromConfig applies restaurants.yaml to the database. It
// upserts restaurants, periods, groups and tables, replaces closures, and
// marks rows that disappeared from config inactive. Reservations are never
// touched.
func (db *DB) SyncRestaurantsFromConfig(ctx context.Context, cfg *config.RestaurantsConfig) error {
	if cfg == nil {
		return fmt.Errorf("restaurants config is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin config sync")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	seenRestaurants := make(map[int64]struct{})

	for _, r := range cfg.Restaurants {
		p := r.Policy
		_, err := tx.ExecContext(ctx, `
			INSERT INTO restaurants (
				id, name, timezone, dining_duration_minutes, buffer_minutes, unlimited_dining_time,
				allow_table_combinations, max_combination_tables, min_party_size, max_party_size,
				is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				timezone = excluded.timezone,
				dining_duration_minutes = excluded.dining_duration_minutes,
				buffer_minutes = excluded.buffer_minutes,
				unlimited_dining_time = excluded.unlimited_dining_time,
				allow_table_combinations = excluded.allow_table_combinations,
				max_combination_tables = excluded.max_combination_tables,
				min_party_size = excluded.min_party_size,
				max_party_size = excluded.max_party_size,
				is_active = 1,
				updated_at = excluded.updated_at`,
			r.ID, r.Name, r.Timezone, p.DiningDurationMinutes, p.BufferMinutes, boolInt(p.UnlimitedDiningTime),
			boolInt(p.AllowTableCombinations), p.MaxCombinationTables, p.MinPartySize, p.MaxPartySize,
			now, now,
		)
		if err != nil {
			return fmt.Errorf("sync restaurant %d: %w", r.ID, err)
		}
		seenRestaurants[r.ID] = struct{}{}

		if err := syncPeriods(ctx, tx, r, now); err != nil {
			return fmt.Errorf("sync restaurant %d periods: %w", r.ID, err)
		}
		if err := syncSeating(ctx, tx, r, now); err != nil {
			return fmt.Errorf("sync restaurant %d seating: %w", r.ID, err)
		}
		if err := syncClosures(ctx, tx, r); err != nil {
			return fmt.Errorf("sync restaurant %d closures: %w", r.ID, err)
		}
	}

	// Deactivate restaurants that disappeared from config.
	if err := deactivateMissing(ctx, tx, `SELECT id FROM restaurants WHERE is_active = 1`, nil, seenRestaurants,
		`UPDATE restaurants SET is_active = 0, updated_at = ? WHERE id = ?`, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit config sync")
	}
	db.logger.Info().Str("config", cfg.String()).Msg("restaurants synced")
	return nil
}

func syncPeriods(ctx context.Context, tx *sql.Tx, r config.RestaurantConfig, now time.Time) error {
	seen := make(map[int64]struct{})
	for _, p := range r.Periods {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO periods (id, restaurant_id, name, start_time, end_time, weekdays, slot_minutes, is_active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				restaurant_id = excluded.restaurant_id,
				name = excluded.name,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				weekdays = excluded.weekdays,
				slot_minutes = excluded.slot_minutes,
				is_active = 1,
				updated_at = excluded.updated_at`,
			p.ID, r.ID, p.Name, p.Start, p.End, formatWeekdays(p.Weekdays), p.SlotMinutes, now,
		)
		if err != nil {
			return fmt.Errorf("period %d: %w", p.ID, err)
		}
		seen[p.ID] = struct{}{}
	}
	return deactivateMissing(ctx, tx, `SELECT id FROM periods WHERE restaurant_id = ? AND is_active = 1`, []any{r.ID}, seen,
		`UPDATE periods SET is_active = 0, updated_at = ? WHERE id = ?`, now)
}

func syncSeating(ctx context.Context, tx *sql.Tx, r config.RestaurantConfig, now time.Time) error {
	seenGroups := make(map[int64]struct{})
	seenTables := make(map[int64]struct{})

	for _, g := range r.Groups {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO table_groups (id, restaurant_id, name, priority, is_active, updated_at)
			VALUES (?, ?, ?, ?, 1, ?)
			ON CONFLICT(id) DO UPDATE SET
				restaurant_id = excluded.restaurant_id,
				name = excluded.name,
				priority = excluded.priority,
				is_active = 1,
				updated_at = excluded.updated_at`,
			g.ID, r.ID, g.Name, g.Priority, now,
		)
		if err != nil {
			return fmt.Errorf("group %d: %w", g.ID, err)
		}
		seenGroups[g.ID] = struct{}{}

		for _, t := range g.Tables {
			// Preserve created_at if the table already exists.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tables (
					id, restaurant_id, group_id, name, min_capacity, max_capacity, can_combine,
					operational_status, is_active, sort_order, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE((SELECT created_at FROM tables WHERE id = ?), ?), ?)
				ON CONFLICT(id) DO UPDATE SET
					restaurant_id = excluded.restaurant_id,
					group_id = excluded.group_id,
					name = excluded.name,
					min_capacity = excluded.min_capacity,
					max_capacity = excluded.max_capacity,
					can_combine = excluded.can_combine,
					operational_status = excluded.operational_status,
					is_active = excluded.is_active,
					sort_order = excluded.sort_order,
					updated_at = excluded.updated_at`,
				t.ID, r.ID, g.ID, t.Name, t.MinCapacity, t.MaxCapacity, boolInt(t.CanCombine),
				t.Status, boolInt(t.IsActive()), t.SortOrder, t.ID, now, now,
			)
			if err != nil {
				return fmt.Errorf("table %d: %w", t.ID, err)
			}
			seenTables[t.ID] = struct{}{}
		}
	}

	if err := deactivateMissing(ctx, tx, `SELECT id FROM table_groups WHERE restaurant_id = ? AND is_active = 1`, []any{r.ID}, seenGroups,
		`UPDATE table_groups SET is_active = 0, updated_at = ? WHERE id = ?`, now); err != nil {
		return err
	}
	return deactivateMissing(ctx, tx, `SELECT id FROM tables WHERE restaurant_id = ? AND is_active = 1`, []any{r.ID}, seenTables,
		`UPDATE tables SET is_active = 0, updated_at = ? WHERE id = ?`, now)
}

func syncClosures(ctx context.Context, tx *sql.Tx, r config.RestaurantConfig) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM restaurant_closures WHERE restaurant_id = ?`, r.ID); err != nil {
		return err
	}
	for _, c := range r.Closures {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO restaurant_closures (restaurant_id, closed_on, reason) VALUES (?, ?, ?)`,
			r.ID, c.Date, c.Reason); err != nil {
			return fmt.Errorf("closure %s: %w", c.Date, err)
		}
	}
	return nil
}

// deactivateMissing runs update for every id returned by query that is not in seen.
func deactivateMissing(ctx context.Context, tx *sql.Tx, query string, args []any, seen map[int64]struct{}, update string, now time.Time) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	var stale []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, update, now, id); err != nil {
			return fmt.Errorf("deactivate %d: %w", id, err)
		}
	}
	return nil
}
