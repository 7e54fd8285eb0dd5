package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/repository"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	scope TEXT NOT NULL,
	source_key TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size INTEGER NOT NULL DEFAULT 0,
	transferred_bytes INTEGER NOT NULL DEFAULT 0,
	destination TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_scope ON sessions(kind, scope);
`

const selectSession = `
SELECT id, kind, scope, source_key, file_name, file_size, transferred_bytes, destination, status, error_message, created_at, updated_at
FROM sessions`

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) repository.SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createSessionsTable); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (r *SessionRepository) Create(ctx context.Context, s *domain.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (id, kind, scope, source_key, file_name, file_size, transferred_bytes, destination, status, error_message, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		string(s.Kind),
		s.Scope,
		s.SourceKey,
		s.FileName,
		s.FileSize,
		s.TransferredBytes,
		s.Destination,
		s.Status,
		s.Error,
		s.CreatedAt.UTC(),
		s.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, s.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, selectSession+` WHERE id=?`, id)
	return scanSession(row)
}

func (r *SessionRepository) ListByScope(ctx context.Context, kind domain.Kind, scope string) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, selectSession+`
WHERE kind=? AND scope=?
ORDER BY created_at ASC, rowid ASC`, string(kind), scope)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

func (r *SessionRepository) ListByStatuses(ctx context.Context, statuses ...string) ([]domain.Session, error) {
	if len(statuses) == 0 {
		return []domain.Session{}, nil
	}
	placeholders, args := inClause(statuses)

	query := fmt.Sprintf(selectSession+`
WHERE status IN (%s)
ORDER BY created_at ASC, rowid ASC`, placeholders)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	return collectSessions(rows)
}

func (r *SessionRepository) UpdateStatus(ctx context.Context, id, status string, errorMessage *string) error {
	msg := ""
	if errorMessage != nil {
		msg = *errorMessage
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		status,
		msg,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res, id)
}

func (r *SessionRepository) UpdateProgress(ctx context.Context, id string, transferred, fileSize int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET transferred_bytes=?, file_size=CASE WHEN ? > 0 THEN ? ELSE file_size END, updated_at=?
WHERE id=?`,
		transferred,
		fileSize,
		fileSize,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	return requireRow(res, id)
}

func (r *SessionRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res, id)
}

func (r *SessionRepository) DeleteByStatuses(ctx context.Context, kind domain.Kind, scope string, statuses ...string) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders, args := inClause(statuses)
	args = append([]any{string(kind), scope}, args...)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM sessions
WHERE kind=? AND scope=? AND status IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sessions delete rows affected: %w", err)
	}
	return n, nil
}

func inClause(values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return strings.Join(placeholders, ","), args
}

func requireRow(res sql.Result, id string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}

func collectSessions(rows *sql.Rows) ([]domain.Session, error) {
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*domain.Session, error) {
	var (
		s         domain.Session
		kind      string
		createdAt time.Time
		updatedAt time.Time
	)
	if err := scanner.Scan(
		&s.ID,
		&kind,
		&s.Scope,
		&s.SourceKey,
		&s.FileName,
		&s.FileSize,
		&s.TransferredBytes,
		&s.Destination,
		&s.Status,
		&s.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.Kind = domain.Kind(kind)
	s.CreatedAt = createdAt.UTC()
	s.UpdatedAt = updatedAt.UTC()
	return &s, nil
}
