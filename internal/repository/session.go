package repository

import (
	"context"

	"transfer-hub/internal/domain"
)

// SessionRepository exposes persistence operations for transfer sessions.
type SessionRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, session *domain.Session) error
	Get(ctx context.Context, id string) (*domain.Session, error)
	ListByScope(ctx context.Context, kind domain.Kind, scope string) ([]domain.Session, error)
	ListByStatuses(ctx context.Context, statuses ...string) ([]domain.Session, error)
	UpdateStatus(ctx context.Context, id, status string, errorMessage *string) error
	UpdateProgress(ctx context.Context, id string, transferred, fileSize int64) error
	Delete(ctx context.Context, id string) error
	DeleteByStatuses(ctx context.Context, kind domain.Kind, scope string, statuses ...string) (int64, error)
}
