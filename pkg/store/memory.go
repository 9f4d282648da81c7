package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/harun/drillops/pkg/drill"
)

type recordKey struct {
	drillID string
	id      string
}

// MemoryStore is an in-process Store used by tests and the "memory" driver.
type MemoryStore struct {
	mu         sync.RWMutex
	steps      map[recordKey]drill.StepRecord
	scenarios  map[recordKey]drill.ScenarioRecord
	criteria   map[recordKey]drill.CriterionRecord
	settings   map[string]string
	stepWrites int
	failWrites int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:     make(map[recordKey]drill.StepRecord),
		scenarios: make(map[recordKey]drill.ScenarioRecord),
		criteria:  make(map[recordKey]drill.CriterionRecord),
		settings:  make(map[string]string),
	}
}

// FailNextStepWrites makes the next n step upserts fail.
func (m *MemoryStore) FailNextStepWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// StepWrites returns the number of successful step upserts.
func (m *MemoryStore) StepWrites() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stepWrites
}

func (m *MemoryStore) UpsertStepRecord(ctx context.Context, rec drill.StepRecord) (drill.StepRecord, error) {
	if err := ctx.Err(); err != nil {
		return drill.StepRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWrites > 0 {
		m.failWrites--
		return drill.StepRecord{}, fmt.Errorf("upsert step record: injected failure")
	}
	m.steps[recordKey{rec.DrillID, rec.StepID}] = rec
	m.stepWrites++
	return rec, nil
}

func (m *MemoryStore) GetStepRecords(ctx context.Context, drillID string, stepIDs []string) (map[string]drill.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]drill.StepRecord, len(stepIDs))
	for _, id := range stepIDs {
		if rec, ok := m.steps[recordKey{drillID, id}]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStepRecords(ctx context.Context, drillID string) ([]drill.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []drill.StepRecord
	for key, rec := range m.steps {
		if key.drillID == drillID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (m *MemoryStore) UpsertScenarioRecord(ctx context.Context, rec drill.ScenarioRecord) (drill.ScenarioRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[recordKey{rec.DrillID, rec.ScenarioID}] = rec
	return rec, nil
}

func (m *MemoryStore) UpsertCriterionRecord(ctx context.Context, rec drill.CriterionRecord) (drill.CriterionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criteria[recordKey{rec.DrillID, rec.CriterionID}] = rec
	return rec, nil
}

// ScenarioRecord returns a stored scenario record.
func (m *MemoryStore) ScenarioRecord(drillID, scenarioID string) (drill.ScenarioRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.scenarios[recordKey{drillID, scenarioID}]
	return rec, ok
}

// CriterionRecord returns a stored criterion record.
func (m *MemoryStore) CriterionRecord(drillID, criterionID string) (drill.CriterionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.criteria[recordKey{drillID, criterionID}]
	return rec, ok
}

func (m *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) DefaultStepTimeout(ctx context.Context) (time.Duration, error) {
	m.mu.RLock()
	raw, ok := m.settings[DefaultStepTimeoutKey]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return parseTimeoutSeconds(raw)
}

func (m *MemoryStore) Close() error {
	return nil
}

func parseTimeoutSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", DefaultStepTimeoutKey, raw, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", DefaultStepTimeoutKey, raw)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}
