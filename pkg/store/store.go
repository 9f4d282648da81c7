// Package store persists step, scenario and criterion execution records.
//
// Every write is an upsert keyed by (drill, entity) and returns the full row as
// stored, so callers can broadcast exactly what is durable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/harun/drillops/pkg/drill"
)

// ErrNotFound is returned when a record or setting does not exist.
var ErrNotFound = errors.New("not found")

// DefaultStepTimeoutKey is the settings key holding the default step timeout in seconds.
const DefaultStepTimeoutKey = "default_step_timeout_seconds"

// StepStore reads and upserts step execution records.
type StepStore interface {
	UpsertStepRecord(ctx context.Context, rec drill.StepRecord) (drill.StepRecord, error)
	GetStepRecords(ctx context.Context, drillID string, stepIDs []string) (map[string]drill.StepRecord, error)
	ListStepRecords(ctx context.Context, drillID string) ([]drill.StepRecord, error)
}

// Settings exposes runtime settings. Implementations must not cache values.
type Settings interface {
	DefaultStepTimeout(ctx context.Context) (time.Duration, error)
}

// Store is the full state store used by the daemon.
type Store interface {
	StepStore
	Settings
	UpsertScenarioRecord(ctx context.Context, rec drill.ScenarioRecord) (drill.ScenarioRecord, error)
	UpsertCriterionRecord(ctx context.Context, rec drill.CriterionRecord) (drill.CriterionRecord, error)
	SetSetting(ctx context.Context, key, value string) error
	Close() error
}

// Statuses flattens records into a status lookup.
func Statuses(records map[string]drill.StepRecord) map[string]drill.Status {
	out := make(map[string]drill.Status, len(records))
	for id, rec := range records {
		out[id] = rec.Status
	}
	return out
}

// New opens the store selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Driver == DriverMemory {
		return NewMemoryStore(), nil
	}
	return Open(ctx, cfg)
}
