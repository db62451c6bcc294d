package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/acme/outbound-dialer/internal/domain"
	"github.com/acme/outbound-dialer/internal/repository"
)

// UserStore reads due users and records call outcomes.
type UserStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewUserStore constructs the store.
func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db, now: time.Now}
}

// FindUsersDueForCall claims due users in one statement. Rows locked by a
// concurrent fan-out are skipped, and claimed_for pins the window so a
// redelivered trigger cannot claim the same user twice.
func (s *UserStore) FindUsersDueForCall(ctx context.Context, now time.Time, limit int) ([]domain.DueUser, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryxContext(ctx, `WITH due AS (
			SELECT id FROM users
			WHERE next_call_at IS NOT NULL
			  AND next_call_at <= $1
			  AND claimed_for IS DISTINCT FROM next_call_at
			ORDER BY next_call_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE users u
		SET claimed_for = u.next_call_at, updated_at = $1
		FROM due
		WHERE u.id = due.id
		RETURNING u.id, u.phone, u.name, u.next_call_at`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("users: claim due: %w", err)
	}
	defer rows.Close()

	var users []domain.DueUser
	for rows.Next() {
		var rec dueUserRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("users: scan: %w", err)
		}
		users = append(users, rec.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: rows err: %w", err)
	}
	return users, nil
}

// ReleaseClaims clears claims that still point at the released window.
func (s *UserStore) ReleaseClaims(ctx context.Context, users []domain.DueUser) error {
	if len(users) == 0 {
		return nil
	}
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, u := range users {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET claimed_for = NULL WHERE id = $1 AND claimed_for = $2`,
				u.UserID, u.ScheduledAt.UTC(),
			); err != nil {
				return fmt.Errorf("users: release claim %s: %w", u.UserID, err)
			}
		}
		return nil
	})
}

// RecordCallInitiated upserts the call row and stamps the user. A repeat
// keeps any status a webhook already applied.
func (s *UserStore) RecordCallInitiated(ctx context.Context, callID, vendorCallID, userID string) error {
	now := s.now().UTC()
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO calls (call_id, user_id, vendor_call_id, status, initiated_at, updated_at)
			VALUES ($1, $2, $3, 'initiated', $4, $4)
			ON CONFLICT (call_id) DO UPDATE SET
				vendor_call_id = COALESCE(calls.vendor_call_id, EXCLUDED.vendor_call_id),
				initiated_at = COALESCE(calls.initiated_at, EXCLUDED.initiated_at),
				updated_at = EXCLUDED.updated_at`,
			callID, userID, nullString(vendorCallID), now,
		); err != nil {
			return fmt.Errorf("calls: record initiated: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET last_call_at = $1, updated_at = $1 WHERE id = $2`, now, userID); err != nil {
			return fmt.Errorf("users: stamp last call: %w", err)
		}
		return nil
	})
}

// RecordCallStatus applies a webhook. Terminal statuses are never
// overwritten by late non-terminal ones.
func (s *UserStore) RecordCallStatus(ctx context.Context, update domain.CallStatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `UPDATE calls SET
			status = CASE
				WHEN calls.status IN ('completed', 'failed', 'no_answer', 'busy')
				 AND $1 NOT IN ('completed', 'failed', 'no_answer', 'busy')
				THEN calls.status ELSE $1 END,
			transcript = COALESCE($2, transcript),
			recording_url = COALESCE($3, recording_url),
			duration_seconds = COALESCE($4, duration_seconds),
			vendor_call_id = COALESCE(vendor_call_id, NULLIF($5, '')),
			updated_at = $6
		WHERE (vendor_call_id = NULLIF($5, '')) OR (call_id = NULLIF($7, ''))`,
		string(update.Status), update.Transcript, update.RecordingURL, update.Duration,
		update.VendorCallID, update.OccurredAt.UTC(), update.CallID,
	)
	if err != nil {
		return fmt.Errorf("calls: record status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("calls: record status rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: call %s/%s", repository.ErrNotFound, update.VendorCallID, update.CallID)
	}
	return nil
}

type dueUserRecord struct {
	ID         string         `db:"id"`
	Phone      string         `db:"phone"`
	Name       sql.NullString `db:"name"`
	NextCallAt time.Time      `db:"next_call_at"`
}

func (r dueUserRecord) toModel() domain.DueUser {
	u := domain.DueUser{
		UserID:      r.ID,
		Phone:       r.Phone,
		ScheduledAt: r.NextCallAt.UTC(),
	}
	if r.Name.Valid {
		name := r.Name.String
		u.Name = &name
	}
	return u
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
