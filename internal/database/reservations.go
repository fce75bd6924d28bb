package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"coworking/internal/domain"
	"coworking/internal/models"
)

const reservationColumns = `id, space_id, requester_id, start_at, end_at, state, hold_deadline,
	reason, created_at, transitioned_at, version`

const (
	blockingStates = `('confirmed', 'superseded_by_system')`
	overlapClause  = `space_id = ? AND start_at < ? AND end_at > ?`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r                                 models.Reservation
		start, end, created, transitioned int64
		state                             string
		deadline                          sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.SpaceID, &r.RequesterID, &start, &end, &state, &deadline,
		&r.Reason, &created, &transitioned, &r.Version)
	if err != nil {
		return nil, err
	}

	r.State, err = models.ParseState(state)
	if err != nil {
		return nil, err
	}
	r.Interval = models.Interval{Start: fromNanos(start), End: fromNanos(end)}
	r.CreatedAt = fromNanos(created)
	r.TransitionedAt = fromNanos(transitioned)
	if deadline.Valid && r.State == models.StateHeld {
		d := fromNanos(deadline.Int64)
		r.HoldDeadline = &d
	}
	return &r, nil
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func deadlineValue(r *models.Reservation) any {
	if d, ok := r.Deadline(); ok {
		return d.UnixNano()
	}
	return nil
}

func insertReservation(ctx context.Context, tx *sql.Tx, r *models.Reservation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SpaceID, r.RequesterID,
		r.Interval.Start.UnixNano(), r.Interval.End.UnixNano(),
		string(r.State), deadlineValue(r), r.Reason,
		r.CreatedAt.UnixNano(), r.TransitionedAt.UnixNano(), r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func countBlocking(ctx context.Context, tx *sql.Tx, spaceID, excludeID string, iv models.Interval) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reservations
		WHERE `+overlapClause+` AND state IN `+blockingStates+` AND id <> ?`,
		spaceID, iv.End.UnixNano(), iv.Start.UnixNano(), excludeID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to check overlap in tx: %w", err)
	}
	return n, nil
}

func validForInsert(r *models.Reservation) error {
	if r.ID == "" || r.SpaceID == "" {
		return fmt.Errorf("reservation id and space id are required")
	}
	if !r.Interval.Valid() {
		return domain.ErrInvalidInterval
	}
	return nil
}

// InsertHoldIfFree checks permanent and temporary conflicts and inserts r as
// Held in one transaction.
func (db *DB) InsertHoldIfFree(ctx context.Context, r *models.Reservation, now time.Time) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if _, ok := r.Deadline(); !ok {
		return fmt.Errorf("hold %s has no deadline", r.ID)
	}

	return db.withRetry(ctx, "insert_hold", func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			// 1. Confirmed overlap: permanent
			n, err := countBlocking(ctx, tx, r.SpaceID, r.ID, r.Interval)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSlotUnavailable
			}

			// 2. Active hold overlap: temporary
			var earliest sql.NullInt64
			err = tx.QueryRowContext(ctx, `SELECT MIN(hold_deadline) FROM reservations
				WHERE `+overlapClause+` AND state = 'held' AND hold_deadline > ?`,
				r.SpaceID, r.Interval.End.UnixNano(), r.Interval.Start.UnixNano(), now.UnixNano(),
			).Scan(&earliest)
			if err != nil {
				return fmt.Errorf("failed to check held overlap in tx: %w", err)
			}
			if earliest.Valid {
				return &domain.HoldConflictError{RetryAt: fromNanos(earliest.Int64)}
			}

			// 3. Insert
			r.Version = 1
			return insertReservation(ctx, tx, r)
		})
	})
}

// InsertBlockIfFree inserts a Confirmed-class reservation unless a blocking
// reservation overlaps. Held reservations are ignored.
func (db *DB) InsertBlockIfFree(ctx context.Context, r *models.Reservation) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if !r.State.Blocking() {
		return fmt.Errorf("%w: block must be confirmed, got %s", domain.ErrInvalidState, r.State)
	}

	return db.withRetry(ctx, "insert_block", func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			n, err := countBlocking(ctx, tx, r.SpaceID, r.ID, r.Interval)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSlotUnavailable
			}
			r.Version = 1
			return insertReservation(ctx, tx, r)
		})
	})
}

// ImportReservation writes r as-is without overlap checks. Used for loading
// legacy data, where overlapping holds may already exist.
func (db *DB) ImportReservation(ctx context.Context, r *models.Reservation) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if r.Version == 0 {
		r.Version = 1
	}
	return db.withRetry(ctx, "import", func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			return insertReservation(ctx, tx, r)
		})
	})
}

func getReservation(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, id string) (*models.Reservation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return r, nil
}

// ConfirmHeld confirms a hold and cancels its overlapping competitors. If a
// blocking reservation appeared since the hold was taken, the hold itself is
// cancelled and domain.ErrHoldLost is returned with the updated record.
func (db *DB) ConfirmHeld(ctx context.Context, id string, version int64, now time.Time) (*models.Reservation, []*models.Reservation, error) {
	var (
		winner  *models.Reservation
		losers  []*models.Reservation
		lostErr error
	)

	err := db.withRetry(ctx, "confirm", func() error {
		winner, losers, lostErr = nil, nil, nil
		return db.inTx(ctx, func(tx *sql.Tx) error {
			r, err := getReservation(ctx, tx, id)
			if err != nil {
				return err
			}
			if r.State != models.StateHeld || r.Version != version {
				return domain.ErrConcurrentModification
			}
			if r.ExpiredAt(now) {
				return domain.ErrHoldExpired
			}

			n, err := countBlocking(ctx, tx, r.SpaceID, r.ID, r.Interval)
			if err != nil {
				return err
			}
			if n > 0 {
				if err := transitionHeld(ctx, tx, r, models.StateCancelled, models.ReasonHoldLost, now); err != nil {
					return err
				}
				winner, lostErr = r, domain.ErrHoldLost
				return nil
			}

			if err := transitionHeld(ctx, tx, r, models.StateConfirmed, models.ReasonPaid, now); err != nil {
				return err
			}

			rows, err := tx.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
				WHERE `+overlapClause+` AND state = 'held' AND id <> ?
				ORDER BY created_at`,
				r.SpaceID, r.Interval.End.UnixNano(), r.Interval.Start.UnixNano(), r.ID)
			if err != nil {
				return fmt.Errorf("failed to find competing holds: %w", err)
			}
			var competing []*models.Reservation
			for rows.Next() {
				c, err := scanReservation(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan competing hold: %w", err)
				}
				competing = append(competing, c)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return err
			}

			for _, c := range competing {
				if err := transitionHeld(ctx, tx, c, models.StateCancelled, models.ReasonHoldLost, now); err != nil {
					return err
				}
			}
			winner, losers = r, competing
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return winner, losers, lostErr
}

// transitionHeld applies the guarded Held -> to update and mirrors it on r.
func transitionHeld(ctx context.Context, tx *sql.Tx, r *models.Reservation, to models.State, reason string, now time.Time) error {
	result, err := tx.ExecContext(ctx, `UPDATE reservations
		SET state = ?, hold_deadline = NULL, reason = ?, transitioned_at = ?, version = version + 1
		WHERE id = ? AND state = 'held' AND version = ?`,
		string(to), reason, now.UnixNano(), r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update reservation state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrConcurrentModification
	}

	r.State = to
	r.HoldDeadline = nil
	r.Reason = reason
	r.TransitionedAt = now.UTC()
	r.Version++
	return nil
}

// TransitionFromHeld moves a Held reservation to Expired or Cancelled,
// guarded by state and version.
func (db *DB) TransitionFromHeld(ctx context.Context, id string, version int64, to models.State, reason string, now time.Time) (*models.Reservation, error) {
	if to != models.StateExpired && to != models.StateCancelled {
		return nil, fmt.Errorf("%w: held cannot move to %s", domain.ErrInvalidState, to)
	}

	var out *models.Reservation
	err := db.withRetry(ctx, "transition", func() error {
		return db.inTx(ctx, func(tx *sql.Tx) error {
			r, err := getReservation(ctx, tx, id)
			if err != nil {
				return err
			}
			if r.State != models.StateHeld || r.Version != version {
				return domain.ErrConcurrentModification
			}
			if err := transitionHeld(ctx, tx, r, to, reason, now); err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var out *models.Reservation
	err := db.withRetry(ctx, "get", func() error {
		r, err := getReservation(ctx, db.DB, id)
		out = r
		return err
	})
	return out, err
}

// ListBySpace returns reservations of a space overlapping [from, to). A zero
// to means no upper bound.
func (db *DB) ListBySpace(ctx context.Context, spaceID string, from, to time.Time) ([]*models.Reservation, error) {
	upper := int64(math.MaxInt64)
	if !to.IsZero() {
		upper = to.UnixNano()
	}
	var lower int64
	if !from.IsZero() {
		lower = from.UnixNano()
	}
	return db.list(ctx, "list_space", `SELECT `+reservationColumns+` FROM reservations
		WHERE `+overlapClause+` ORDER BY start_at, created_at`, spaceID, upper, lower)
}

// ListStaleHolds returns Held reservations whose deadline is at or before now.
func (db *DB) ListStaleHolds(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	if limit <= 0 {
		limit = models.DefaultSweepBatchSize
	}
	return db.list(ctx, "list_stale", `SELECT `+reservationColumns+` FROM reservations
		WHERE state = 'held' AND hold_deadline <= ?
		ORDER BY hold_deadline LIMIT ?`, now.UnixNano(), limit)
}

func (db *DB) ListActiveHolds(ctx context.Context) ([]*models.Reservation, error) {
	return db.list(ctx, "list_held", `SELECT `+reservationColumns+` FROM reservations
		WHERE state = 'held' ORDER BY hold_deadline`)
}

func (db *DB) list(ctx context.Context, op, query string, args ...any) ([]*models.Reservation, error) {
	var out []*models.Reservation
	err := db.withRetry(ctx, op, func() error {
		out = nil
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return fmt.Errorf("failed to scan reservation: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return out, nil
}
