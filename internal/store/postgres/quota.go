package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inknowing/dialogued/internal/store"
)

// QuotaImpl is the quota store backed by the quota_records and
// quota_reservations tables.
//
// The consumption cap is enforced by a guarded UPDATE: the consumed counter
// only moves when the result stays within the grant, so concurrent writers
// (or two processes sharing the database) can never overshoot. The CHECK
// constraint on the table is a second line of defense.
//
// Obtain one via [Store.Quota] rather than constructing directly.
// All methods are safe for concurrent use.
type QuotaImpl struct {
	pool *pgxpool.Pool
}

// Reserve implements [store.QuotaStore].
func (q *QuotaImpl) Reserve(ctx context.Context, rec store.QuotaRecord, r store.Reservation) (int, bool, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("quota store: reserve: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// A fresh period starts with a fresh row. Losing the insert race is
	// fine; the guarded update below works against whichever row won.
	const ensureQ = `
		INSERT INTO quota_records (user_id, period_kind, period_start, granted, consumed, reset_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (user_id, period_kind, period_start) DO NOTHING`

	_, err = tx.Exec(ctx, ensureQ,
		rec.UserID, rec.PeriodKind, rec.PeriodStart, rec.Granted, rec.ResetAt)
	if err != nil {
		return 0, false, fmt.Errorf("quota store: reserve: ensure period: %w", err)
	}

	const consumeQ = `
		UPDATE quota_records
		SET    consumed = consumed + $4
		WHERE  user_id = $1 AND period_kind = $2 AND period_start = $3
		  AND  consumed + $4 <= granted
		RETURNING consumed`

	var consumed int
	err = tx.QueryRow(ctx, consumeQ,
		rec.UserID, rec.PeriodKind, rec.PeriodStart, r.Amount).Scan(&consumed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("quota store: reserve: consume: %w", err)
	}

	const holdQ = `
		INSERT INTO quota_reservations
		    (id, user_id, session_id, period_kind, period_start, amount, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = tx.Exec(ctx, holdQ,
		r.ID, r.UserID, r.SessionID, r.PeriodKind, r.PeriodStart,
		r.Amount, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return 0, false, fmt.Errorf("quota store: reserve: hold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("quota store: reserve: commit: %w", err)
	}
	return consumed, true, nil
}

// Commit implements [store.QuotaStore]. The consumed counter is untouched;
// only the hold row goes away.
func (q *QuotaImpl) Commit(ctx context.Context, reservationID string) error {
	const del = `DELETE FROM quota_reservations WHERE id = $1`

	if _, err := q.pool.Exec(ctx, del, reservationID); err != nil {
		return fmt.Errorf("quota store: commit: %w", err)
	}
	return nil
}

// Release implements [store.QuotaStore]. The hold's units return to the
// user; a missing hold means the sweeper settled it first.
func (q *QuotaImpl) Release(ctx context.Context, reservationID string) error {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quota store: release: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const del = `
		DELETE FROM quota_reservations
		WHERE  id = $1
		RETURNING user_id, period_kind, period_start, amount`

	var (
		userID      string
		periodKind  string
		periodStart time.Time
		amount      int
	)
	err = tx.QueryRow(ctx, del, reservationID).Scan(&userID, &periodKind, &periodStart, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return fmt.Errorf("quota store: release: delete hold: %w", err)
	}

	if err := returnUnits(ctx, tx, userID, periodKind, periodStart, amount); err != nil {
		return fmt.Errorf("quota store: release: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quota store: release: commit: %w", err)
	}
	return nil
}

// SweepExpired implements [store.QuotaStore].
func (q *QuotaImpl) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota store: sweep: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const del = `
		DELETE FROM quota_reservations
		WHERE  expires_at < $1
		RETURNING user_id, period_kind, period_start, amount`

	rows, err := tx.Query(ctx, del, now)
	if err != nil {
		return 0, fmt.Errorf("quota store: sweep: delete holds: %w", err)
	}

	type expired struct {
		userID      string
		periodKind  string
		periodStart time.Time
		amount      int
	}
	reclaimed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (expired, error) {
		var e expired
		err := row.Scan(&e.userID, &e.periodKind, &e.periodStart, &e.amount)
		return e, err
	})
	if err != nil {
		return 0, fmt.Errorf("quota store: sweep: scan holds: %w", err)
	}

	for _, e := range reclaimed {
		if err := returnUnits(ctx, tx, e.userID, e.periodKind, e.periodStart, e.amount); err != nil {
			return 0, fmt.Errorf("quota store: sweep: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("quota store: sweep: commit: %w", err)
	}
	return len(reclaimed), nil
}

// returnUnits gives amount units back to the period record within tx.
// GREATEST guards against going negative if the record was recreated.
func returnUnits(ctx context.Context, tx pgx.Tx, userID, periodKind string, periodStart time.Time, amount int) error {
	const q = `
		UPDATE quota_records
		SET    consumed = GREATEST(consumed - $4, 0)
		WHERE  user_id = $1 AND period_kind = $2 AND period_start = $3`

	if _, err := tx.Exec(ctx, q, userID, periodKind, periodStart, amount); err != nil {
		return fmt.Errorf("return units: %w", err)
	}
	return nil
}

// GetQuota implements [store.QuotaStore]. It returns (nil, nil) when the
// user has no record for the period.
func (q *QuotaImpl) GetQuota(ctx context.Context, userID, periodKind string, periodStart time.Time) (*store.QuotaRecord, error) {
	const sel = `
		SELECT user_id, period_kind, period_start, granted, consumed, reset_at
		FROM   quota_records
		WHERE  user_id = $1 AND period_kind = $2 AND period_start = $3`

	var rec store.QuotaRecord
	err := q.pool.QueryRow(ctx, sel, userID, periodKind, periodStart).Scan(
		&rec.UserID,
		&rec.PeriodKind,
		&rec.PeriodStart,
		&rec.Granted,
		&rec.Consumed,
		&rec.ResetAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("quota store: get quota: %w", err)
	}
	return &rec, nil
}
