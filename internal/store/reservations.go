package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tablealloc/internal/errs"
	"tablealloc/internal/model"
)

const reservationColumns = `id, restaurant_id, table_id, period_id, starts_at, adults, children, party_size,
	status, version, allocation_token, created_at, updated_at`

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (model.Reservation, error) {
	var (
		r        model.Reservation
		tableID  sql.NullInt64
		periodID sql.NullInt64
		token    sql.NullString
		status   string
	)
	err := s.Scan(
		&r.ID, &r.RestaurantID, &tableID, &periodID, &r.StartsAt, &r.Adults, &r.Children, &r.PartySize,
		&status, &r.Version, &token, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if tableID.Valid {
		id := tableID.Int64
		r.TableID = &id
	}
	r.PeriodID = periodID.Int64
	r.AllocationToken = token.String
	r.Status = model.Status(status)
	return r, nil
}

// ActiveReservations returns confirmed reservations of a restaurant starting
// in [from, to), combinations included.
func (db *DB) ActiveReservations(ctx context.Context, restaurantID int64, from, to time.Time) ([]model.Reservation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE restaurant_id = ? AND status = ? AND starts_at >= ? AND starts_at < ?
		ORDER BY starts_at, id`,
		restaurantID, string(model.StatusConfirmed), from.UTC(), to.UTC())
	if err != nil {
		return nil, classify(err, "list reservations")
	}

	var out []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			return nil, classify(err, "scan reservation")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify(err, "list reservations")
	}
	rows.Close()

	if err := attachCombinations(ctx, db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reservation loads one reservation by id.
func (db *DB) Reservation(ctx context.Context, id int64) (*model.Reservation, error) {
	return getReservation(ctx, db, `WHERE id = ?`, id)
}

// ReservationByToken finds the reservation created for an allocation token.
func (db *DB) ReservationByToken(ctx context.Context, token string) (*model.Reservation, error) {
	if token == "" {
		return nil, errs.Markf(errs.ErrNotFound, "empty allocation token")
	}
	return getReservation(ctx, db, `WHERE allocation_token = ?`, token)
}

func getReservation(ctx context.Context, q queryer, where string, arg any) (*model.Reservation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations `+where, arg)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Markf(errs.ErrNotFound, "reservation not found")
	}
	if err != nil {
		return nil, classify(err, "load reservation")
	}
	list := []model.Reservation{r}
	if err := attachCombinations(ctx, q, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// attachCombinations loads combination rows and members for the given reservations.
func attachCombinations(ctx context.Context, q queryer, list []model.Reservation) error {
	index := make(map[int64]int)
	args := make([]any, 0)
	for i := range list {
		if list[i].TableID == nil {
			index[list[i].ID] = i
			args = append(args, list[i].ID)
		}
	}
	if len(args) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := q.QueryContext(ctx, `
		SELECT c.id, c.reservation_id, c.total_capacity, m.table_id
		FROM table_combinations c
		JOIN table_combination_members m ON m.combination_id = c.id
		WHERE c.reservation_id IN (`+placeholders+`)
		ORDER BY c.reservation_id, m.position`, args...)
	if err != nil {
		return classify(err, "load combinations")
	}
	defer rows.Close()

	for rows.Next() {
		var comboID, reservationID, tableID int64
		var total int
		if err := rows.Scan(&comboID, &reservationID, &total, &tableID); err != nil {
			return classify(err, "scan combination")
		}
		r := &list[index[reservationID]]
		if r.Combination == nil {
			r.Combination = &model.TableCombination{ID: comboID, ReservationID: reservationID, TotalCapacity: total}
		}
		r.Combination.TableIDs = append(r.Combination.TableIDs, tableID)
	}
	return classify(rows.Err(), "load combinations")
}

// CreateReservation inserts a reservation, its combination and its occupancy
// slots in one transaction. A slot or token collision is reported as
// errs.ErrConcurrencyConflict and nothing is written.
func (db *DB) CreateReservation(ctx context.Context, r *model.Reservation, slots []Slot) error {
	if r.Status == "" {
		r.Status = model.StatusConfirmed
	}
	if err := r.Validate(); err != nil {
		return errs.Mark(fmt.Errorf("invalid reservation: %w", err), errs.ErrConfiguration)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin create reservation")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var tableID sql.NullInt64
	if r.TableID != nil {
		tableID = sql.NullInt64{Int64: *r.TableID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reservations (
			restaurant_id, table_id, period_id, starts_at, adults, children, party_size,
			seating, status, version, allocation_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		r.RestaurantID, tableID, nullInt64(r.PeriodID), r.StartsAt.UTC(), r.Adults, r.Children, r.PartySize,
		seatingOf(r), string(r.Status), nullString(r.AllocationToken), now, now,
	)
	if err != nil {
		return classify(err, "insert reservation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return classify(err, "insert reservation")
	}

	if err := insertCombination(ctx, tx, id, r.Combination); err != nil {
		return err
	}
	if err := insertSlots(ctx, tx, r.RestaurantID, id, slots); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit reservation")
	}

	r.ID = id
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Combination != nil {
		r.Combination.ReservationID = id
	}
	return nil
}

// ReassignReservation replaces the seating and party of a confirmed
// reservation if its version still equals expectedVersion. Old slots are
// released and new ones claimed in the same transaction.
func (db *DB) ReassignReservation(ctx context.Context, r *model.Reservation, expectedVersion int64, slots []Slot) error {
	if err := r.Validate(); err != nil {
		return errs.Mark(fmt.Errorf("invalid reservation: %w", err), errs.ErrConfiguration)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin reassign")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var tableID sql.NullInt64
	if r.TableID != nil {
		tableID = sql.NullInt64{Int64: *r.TableID, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET table_id = ?, adults = ?, children = ?, party_size = ?, seating = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ?`,
		tableID, r.Adults, r.Children, r.PartySize, seatingOf(r), now,
		r.ID, expectedVersion, string(model.StatusConfirmed),
	)
	if err != nil {
		return classify(err, "update reservation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err, "update reservation")
	}
	if n == 0 {
		return explainStaleWrite(ctx, tx, r.ID, expectedVersion)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM table_combination_members
		WHERE combination_id IN (SELECT id FROM table_combinations WHERE reservation_id = ?)`, r.ID); err != nil {
		return classify(err, "drop combination members")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM table_combinations WHERE reservation_id = ?`, r.ID); err != nil {
		return classify(err, "drop combination")
	}
	if err := releaseSlots(ctx, tx, r.ID); err != nil {
		return err
	}
	if err := insertCombination(ctx, tx, r.ID, r.Combination); err != nil {
		return err
	}
	if err := insertSlots(ctx, tx, r.RestaurantID, r.ID, slots); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit reassign")
	}
	r.Version = expectedVersion + 1
	r.UpdatedAt = now
	return nil
}

// TransitionStatus moves a reservation through the status lifecycle and
// releases its slots. expectedVersion 0 skips the optimistic check.
func (db *DB) TransitionStatus(ctx context.Context, id, expectedVersion int64, to model.Status) (*model.Reservation, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "begin transition")
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT status, version FROM reservations WHERE id = ?`, id).Scan(&current, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Markf(errs.ErrNotFound, "reservation %d not found", id)
	}
	if err != nil {
		return nil, classify(err, "load reservation status")
	}
	if expectedVersion != 0 && version != expectedVersion {
		return nil, errs.Markf(errs.ErrConcurrencyConflict,
			"reservation %d: version %d, expected %d", id, version, expectedVersion)
	}
	if !model.CanTransition(model.Status(current), to) {
		return nil, errs.Markf(errs.ErrInvalidTransition, "reservation %d: %s -> %s", id, current, to)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE reservations SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(to), now, id, version)
	if err != nil {
		return nil, classify(err, "update status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, classify(err, "update status")
	}
	if n == 0 {
		return nil, errs.Markf(errs.ErrConcurrencyConflict, "reservation %d changed concurrently", id)
	}
	if !to.IsActive() {
		if err := releaseSlots(ctx, tx, id); err != nil {
			return nil, err
		}
	}

	updated, err := getReservation(ctx, tx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "commit transition")
	}
	return updated, nil
}

// HeldSlots counts unreleased ledger rows of a reservation.
func (db *DB) HeldSlots(ctx context.Context, reservationID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM table_slots WHERE reservation_id = ? AND released = 0`, reservationID).Scan(&n)
	if err != nil {
		return 0, classify(err, "count slots")
	}
	return n, nil
}

func explainStaleWrite(ctx context.Context, tx *sql.Tx, id, expectedVersion int64) error {
	var status string
	var version int64
	err := tx.QueryRowContext(ctx, `SELECT status, version FROM reservations WHERE id = ?`, id).Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.Markf(errs.ErrNotFound, "reservation %d not found", id)
	}
	if err != nil {
		return classify(err, "load reservation")
	}
	if !model.Status(status).IsActive() {
		return errs.Markf(errs.ErrInvalidTransition, "reservation %d is %s", id, status)
	}
	return errs.Markf(errs.ErrConcurrencyConflict, "reservation %d: version %d, expected %d", id, version, expectedVersion)
}

func insertCombination(ctx context.Context, tx *sql.Tx, reservationID int64, c *model.TableCombination) error {
	if c == nil {
		return nil
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO table_combinations (reservation_id, total_capacity, created_at) VALUES (?, ?, ?)`,
		reservationID, c.TotalCapacity, time.Now().UTC())
	if err != nil {
		return classify(err, "insert combination")
	}
	comboID, err := res.LastInsertId()
	if err != nil {
		return classify(err, "insert combination")
	}
	for pos, tableID := range c.TableIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO table_combination_members (combination_id, table_id, position) VALUES (?, ?, ?)`,
			comboID, tableID, pos); err != nil {
			return classify(err, "insert combination member")
		}
	}
	c.ID = comboID
	c.ReservationID = reservationID
	return nil
}

func insertSlots(ctx context.Context, tx *sql.Tx, restaurantID, reservationID int64, slots []Slot) error {
	if len(slots) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO table_slots (restaurant_id, table_id, reservation_id, slot_date, slot_hour, slot_minute, period_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return classify(err, "prepare slots")
	}
	defer stmt.Close()

	for _, s := range slots {
		if _, err := stmt.ExecContext(ctx,
			restaurantID, s.TableID, reservationID, s.Date, s.Hour, s.Minute, nullInt64(s.PeriodID)); err != nil {
			return classify(err, fmt.Sprintf("claim table %d at %s %02d:%02d", s.TableID, s.Date, s.Hour, s.Minute))
		}
	}
	return nil
}

func releaseSlots(ctx context.Context, tx *sql.Tx, reservationID int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE table_slots SET released = 1 WHERE reservation_id = ? AND released = 0`, reservationID); err != nil {
		return classify(err, "release slots")
	}
	return nil
}

func seatingOf(r *model.Reservation) string {
	if r.Combination != nil {
		return "combination"
	}
	return "table"
}
