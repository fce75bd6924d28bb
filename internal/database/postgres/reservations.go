package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coworking/internal/domain"
	"coworking/internal/models"

	"github.com/jackc/pgx/v5"
)

const reservationColumns = `id, space_id, requester_id, start_at, end_at, state, hold_deadline, reason, created_at, transitioned_at, version`

// blocking states, kept in sync with models.State.Blocking
const blockingStates = `('confirmed', 'superseded_by_system')`

const overlapClause = `space_id = $1 AND start_at < $2 AND end_at > $3`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r        models.Reservation
		state    string
		deadline *time.Time
	)
	err := row.Scan(&r.ID, &r.SpaceID, &r.RequesterID, &r.Interval.Start, &r.Interval.End,
		&state, &deadline, &r.Reason, &r.CreatedAt, &r.TransitionedAt, &r.Version)
	if err != nil {
		return nil, err
	}

	r.State, err = models.ParseState(state)
	if err != nil {
		return nil, err
	}
	if deadline != nil {
		d := deadline.UTC()
		r.HoldDeadline = &d
	}
	r.Interval.Start = r.Interval.Start.UTC()
	r.Interval.End = r.Interval.End.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.TransitionedAt = r.TransitionedAt.UTC()
	return &r, nil
}

// ts drops what timestamptz cannot store so the caller's copy matches the row.
func ts(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

func normalize(r *models.Reservation) {
	r.Interval.Start = ts(r.Interval.Start)
	r.Interval.End = ts(r.Interval.End)
	r.CreatedAt = ts(r.CreatedAt)
	r.TransitionedAt = ts(r.TransitionedAt)
	if r.HoldDeadline != nil {
		d := ts(*r.HoldDeadline)
		r.HoldDeadline = &d
	}
}

func insertReservation(ctx context.Context, tx pgx.Tx, r *models.Reservation) error {
	_, err := tx.Exec(ctx, `INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.SpaceID, r.RequesterID, r.Interval.Start, r.Interval.End,
		string(r.State), r.HoldDeadline, r.Reason, r.CreatedAt, r.TransitionedAt, r.Version)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func countBlocking(ctx context.Context, tx pgx.Tx, spaceID, excludeID string, iv models.Interval) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM reservations
		WHERE `+overlapClause+` AND state IN `+blockingStates+` AND id <> $4`,
		spaceID, iv.End, iv.Start, excludeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count blocking overlaps: %w", err)
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
	if !r.State.Valid() {
		return fmt.Errorf("invalid state %q", r.State)
	}
	return nil
}

func (s *Store) InsertHoldIfFree(ctx context.Context, r *models.Reservation, now time.Time) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if _, ok := r.Deadline(); !ok {
		return fmt.Errorf("hold %s has no deadline", r.ID)
	}
	normalize(r)

	return s.withRetry(ctx, "insert_hold", func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if err := lockSpace(ctx, tx, r.SpaceID); err != nil {
				return err
			}

			n, err := countBlocking(ctx, tx, r.SpaceID, r.ID, r.Interval)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ErrSlotUnavailable
			}

			var earliest *time.Time
			err = tx.QueryRow(ctx, `SELECT MIN(hold_deadline) FROM reservations
				WHERE `+overlapClause+` AND state = 'held' AND hold_deadline > $4`,
				r.SpaceID, r.Interval.End, r.Interval.Start, now).Scan(&earliest)
			if err != nil {
				return fmt.Errorf("check held overlap: %w", err)
			}
			if earliest != nil {
				return &domain.HoldConflictError{RetryAt: earliest.UTC()}
			}

			r.Version = 1
			return insertReservation(ctx, tx, r)
		})
	})
}

func (s *Store) InsertBlockIfFree(ctx context.Context, r *models.Reservation) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if !r.State.Blocking() {
		return fmt.Errorf("%w: block must be confirmed, got %s", domain.ErrInvalidState, r.State)
	}
	normalize(r)

	return s.withRetry(ctx, "insert_block", func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			if err := lockSpace(ctx, tx, r.SpaceID); err != nil {
				return err
			}
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

// ImportReservation writes r without overlap checks, for legacy data.
func (s *Store) ImportReservation(ctx context.Context, r *models.Reservation) error {
	if err := validForInsert(r); err != nil {
		return err
	}
	if r.Version == 0 {
		r.Version = 1
	}
	normalize(r)
	return s.withRetry(ctx, "import", func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			return insertReservation(ctx, tx, r)
		})
	})
}

func getReservation(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, id string, forUpdate bool) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	r, err := scanReservation(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// lockedReservation takes the space lock of reservation id and returns the row.
func lockedReservation(ctx context.Context, tx pgx.Tx, id string) (*models.Reservation, error) {
	var spaceID string
	err := tx.QueryRow(ctx, `SELECT space_id FROM reservations WHERE id = $1`, id).Scan(&spaceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reservation space: %w", err)
	}
	if err := lockSpace(ctx, tx, spaceID); err != nil {
		return nil, err
	}
	return getReservation(ctx, tx, id, true)
}

func transitionHeld(ctx context.Context, tx pgx.Tx, r *models.Reservation, to models.State, reason string, now time.Time) error {
	now = ts(now)
	tag, err := tx.Exec(ctx, `UPDATE reservations
		SET state = $1, hold_deadline = NULL, reason = $2, transitioned_at = $3, version = version + 1
		WHERE id = $4 AND state = 'held' AND version = $5`,
		string(to), reason, now, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("update reservation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}

	r.State = to
	r.HoldDeadline = nil
	r.Reason = reason
	r.TransitionedAt = now
	r.Version++
	return nil
}

func (s *Store) ConfirmHeld(ctx context.Context, id string, version int64, now time.Time) (*models.Reservation, []*models.Reservation, error) {
	var (
		winner  *models.Reservation
		losers  []*models.Reservation
		lostErr error
	)

	err := s.withRetry(ctx, "confirm", func() error {
		winner, losers, lostErr = nil, nil, nil
		return s.inTx(ctx, func(tx pgx.Tx) error {
			r, err := lockedReservation(ctx, tx, id)
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

			rows, err := tx.Query(ctx, `SELECT `+reservationColumns+` FROM reservations
				WHERE `+overlapClause+` AND state = 'held' AND id <> $4
				ORDER BY created_at`,
				r.SpaceID, r.Interval.End, r.Interval.Start, r.ID)
			if err != nil {
				return fmt.Errorf("find competing holds: %w", err)
			}
			var competing []*models.Reservation
			for rows.Next() {
				c, err := scanReservation(rows)
				if err != nil {
					rows.Close()
					return fmt.Errorf("scan competing hold: %w", err)
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

func (s *Store) TransitionFromHeld(ctx context.Context, id string, version int64, to models.State, reason string, now time.Time) (*models.Reservation, error) {
	if to != models.StateExpired && to != models.StateCancelled {
		return nil, fmt.Errorf("%w: held cannot move to %s", domain.ErrInvalidState, to)
	}

	var out *models.Reservation
	err := s.withRetry(ctx, "transition", func() error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			r, err := lockedReservation(ctx, tx, id)
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

func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var out *models.Reservation
	err := s.withRetry(ctx, "get", func() error {
		r, err := getReservation(ctx, s.pool, id, false)
		out = r
		return err
	})
	return out, err
}

func (s *Store) ListBySpace(ctx context.Context, spaceID string, from, to time.Time) ([]*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE space_id = $1`
	args := []any{spaceID}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(` AND start_at < $%d`, len(args))
	}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(` AND end_at > $%d`, len(args))
	}
	query += ` ORDER BY start_at, created_at`
	return s.list(ctx, "list_space", query, args...)
}

func (s *Store) ListStaleHolds(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error) {
	if limit <= 0 {
		limit = models.DefaultSweepBatchSize
	}
	return s.list(ctx, "list_stale", `SELECT `+reservationColumns+` FROM reservations
		WHERE state = 'held' AND hold_deadline <= $1
		ORDER BY hold_deadline
		LIMIT $2`, now, limit)
}

func (s *Store) ListActiveHolds(ctx context.Context) ([]*models.Reservation, error) {
	return s.list(ctx, "list_held", `SELECT `+reservationColumns+` FROM reservations
		WHERE state = 'held' ORDER BY hold_deadline`)
}

func (s *Store) list(ctx context.Context, op, query string, args ...any) ([]*models.Reservation, error) {
	var out []*models.Reservation
	err := s.withRetry(ctx, op, func() error {
		out = nil
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query reservations: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				return fmt.Errorf("scan reservation: %w", err)
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
