package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vigila-backend/internal/models"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

const sessionColumns = `
	id, user_id, test_result_id, session_token, status,
	device_json, locale_json, permissions_json, location_json,
	behavior_json, flags_json,
	started_at, last_seen_at, ended_at, created_at
`

func (r *SessionRepo) Create(ctx context.Context, s *models.Session) error {
	device, err := json.Marshal(s.Device)
	if err != nil {
		return fmt.Errorf("failed to encode device snapshot: %w", err)
	}
	locale, err := json.Marshal(s.Locale)
	if err != nil {
		return fmt.Errorf("failed to encode locale snapshot: %w", err)
	}
	permissions, err := json.Marshal(s.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions snapshot: %w", err)
	}
	if s.Location.History == nil {
		s.Location.History = []models.LocationFix{}
	}
	location, err := json.Marshal(s.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location state: %w", err)
	}

	query := `
		INSERT INTO test_sessions (user_id, test_result_id, session_token, status,
			device_json, locale_json, permissions_json, location_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, started_at, last_seen_at, created_at
	`

	s.Status = models.StatusInitializing
	return r.pool.QueryRow(ctx, query,
		s.UserID, s.TestResultID, s.Token, s.Status,
		device, locale, permissions, location,
	).Scan(&s.ID, &s.StartedAt, &s.LastSeenAt, &s.CreatedAt)
}

func (r *SessionRepo) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM test_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// List returns sessions newest-first, optionally filtered by status.
func (r *SessionRepo) List(ctx context.Context, status string, limit int) ([]*models.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM test_sessions ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM test_sessions WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// AppendBehavior adds one event to the session's bucket for its kind. Buckets
// are append-only; the update also refreshes the liveness timestamp.
func (r *SessionRepo) AppendBehavior(ctx context.Context, id uuid.UUID, ev models.BehaviorEvent) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode behavior event: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET behavior_json = jsonb_set(
				behavior_json,
				ARRAY[$2],
				COALESCE(behavior_json -> $2, '[]'::jsonb) || $3::jsonb,
				true
			),
			last_seen_at = NOW()
		WHERE id = $1
	`, id, ev.Kind, encoded)
	return err
}

// AppendLocation appends a fix to location history and marks location enabled.
func (r *SessionRepo) AppendLocation(ctx context.Context, id uuid.UUID, fix models.LocationFix) error {
	encoded, err := json.Marshal(fix)
	if err != nil {
		return fmt.Errorf("failed to encode location fix: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET location_json = jsonb_set(
				jsonb_set(location_json, '{enabled}', 'true'::jsonb, true),
				'{history}',
				COALESCE(location_json -> 'history', '[]'::jsonb) || $2::jsonb,
				true
			),
			last_seen_at = NOW()
		WHERE id = $1
	`, id, encoded)
	return err
}

// SetFlag records a flag and moves the session to flagged status unless it
// already ended.
func (r *SessionRepo) SetFlag(ctx context.Context, id uuid.UUID, kind string, flag models.SessionFlag) error {
	encoded, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("failed to encode session flag: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET flags_json = jsonb_set(flags_json, ARRAY[$2], $3::jsonb, true),
			status = CASE WHEN ended_at IS NULL THEN 'flagged' ELSE status END,
			last_seen_at = NOW()
		WHERE id = $1
	`, id, kind, encoded)
	return err
}

func (r *SessionRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET status = $2, last_seen_at = NOW()
		WHERE id = $1 AND ended_at IS NULL
	`, id, status)
	return err
}

// End closes the session. Idempotent: a second call leaves ended_at and the
// terminal status untouched.
func (r *SessionRepo) End(ctx context.Context, id uuid.UUID, status string, endedAt time.Time) error {
	if status == "" {
		status = models.StatusCompleted
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET ended_at = CASE WHEN ended_at IS NULL THEN $3 ELSE ended_at END,
			status = CASE WHEN ended_at IS NULL THEN $2 ELSE status END,
			last_seen_at = NOW()
		WHERE id = $1
	`, id, status, endedAt)
	return err
}

// ExpireStale marks active sessions without recent traffic as abandoned and
// returns how many were moved.
func (r *SessionRepo) ExpireStale(ctx context.Context, window time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE test_sessions
		SET status = 'abandoned', ended_at = NOW()
		WHERE status = 'active'
		  AND ended_at IS NULL
		  AND last_seen_at < NOW() - $1::interval
	`, window)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s           models.Session
		device      []byte
		locale      []byte
		permissions []byte
		location    []byte
		behavior    []byte
		flags       []byte
	)

	err := row.Scan(
		&s.ID, &s.UserID, &s.TestResultID, &s.Token, &s.Status,
		&device, &locale, &permissions, &location,
		&behavior, &flags,
		&s.StartedAt, &s.LastSeenAt, &s.EndedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(device, &s.Device); err != nil {
		return nil, fmt.Errorf("failed to decode device snapshot: %w", err)
	}
	if err := json.Unmarshal(locale, &s.Locale); err != nil {
		return nil, fmt.Errorf("failed to decode locale snapshot: %w", err)
	}
	if err := json.Unmarshal(permissions, &s.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions snapshot: %w", err)
	}
	if err := json.Unmarshal(location, &s.Location); err != nil {
		return nil, fmt.Errorf("failed to decode location state: %w", err)
	}
	if err := json.Unmarshal(behavior, &s.Behavior); err != nil {
		return nil, fmt.Errorf("failed to decode behavior buckets: %w", err)
	}
	if err := json.Unmarshal(flags, &s.Flags); err != nil {
		return nil, fmt.Errorf("failed to decode session flags: %w", err)
	}
	if s.Behavior == nil {
		s.Behavior = map[string][]models.BehaviorEvent{}
	}
	if s.Flags == nil {
		s.Flags = map[string]models.SessionFlag{}
	}

	return &s, nil
}
