// Package backend is the command surface of the execution backend that
// performs transfers on behalf of the orchestration core.
package backend

import (
	"context"

	"transfer-hub/internal/domain"
	"transfer-hub/internal/events"
)

// Backend accepts task and scope commands. Results of long-running commands
// arrive later as events on the bus.
type Backend interface {
	Create(ctx context.Context, session domain.Session) error
	Start(ctx context.Context, kind domain.Kind, id string) error
	Pause(ctx context.Context, kind domain.Kind, id string) error
	Resume(ctx context.Context, kind domain.Kind, id string) error
	Cancel(ctx context.Context, kind domain.Kind, id string) error
	Delete(ctx context.Context, kind domain.Kind, id string) error

	// ListSessions returns the persisted sessions of scope ordered by creation.
	ListSessions(ctx context.Context, kind domain.Kind, scope string) ([]domain.Session, error)
	PauseAll(ctx context.Context, kind domain.Kind, scope string) (int, error)
	// StartAll starts every idle session of scope and returns how many of them
	// were resumed from paused.
	StartAll(ctx context.Context, kind domain.Kind, scope string, creds domain.Credentials) (int, error)
	ClearFinished(ctx context.Context, kind domain.Kind, scope string) (int, error)
	ClearAll(ctx context.Context, kind domain.Kind, scope string) (int, error)
}

// Publisher emits backend events.
type Publisher interface {
	Publish(topic events.Topic, payload any)
}

var _ Publisher = (*events.Bus)(nil)
