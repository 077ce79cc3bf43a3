package store

import (
	"context"

	"github.com/me/kernsched/pkg/model"
)

// Store defines the persistence layer for simulation runs and their traces.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	FinishRun(ctx context.Context, id string, state model.RunState, ticks uint64, summary string) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, int, error)
	DeleteRun(ctx context.Context, id string) error

	// Trace events
	AppendEvents(ctx context.Context, runID string, events []model.Event) error
	ListEvents(ctx context.Context, runID string, filter model.EventFilter) ([]model.Event, int, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
