package backup

import (
	"sort"
	"sync"
	"time"
)

// RestoreState is the position of the latest restore in its state machine:
// idle -> reading_manifest -> restoring_database -> succeeded|failed|timed_out.
type RestoreState string

const (
	StateIdle              RestoreState = "idle"
	StateReadingManifest   RestoreState = "reading_manifest"
	StateRestoringDatabase RestoreState = "restoring_database"
	StateSucceeded         RestoreState = "succeeded"
	StateFailed            RestoreState = "failed"
	StateTimedOut          RestoreState = "timed_out"
)

type RestoreStatus struct {
	State     RestoreState `json:"state"`
	Manifest  string       `json:"manifest,omitempty"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   time.Time    `json:"endedAt"`
	Error     string       `json:"error,omitempty"`
	Output    string       `json:"output,omitempty"`
}

type OperationRecord struct {
	Operation string    `json:"operation"`
	Status    string    `json:"status"`
	Manifest  string    `json:"manifest,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Duration  string    `json:"duration"`
	Error     string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the service.
type Status struct {
	Busy      bool              `json:"busy"`
	Operation string            `json:"operation,omitempty"`
	Restore   RestoreStatus     `json:"restore"`
	Last      []OperationRecord `json:"last"`
}

type tracker struct {
	mu      sync.Mutex
	restore RestoreStatus
	last    map[string]OperationRecord
}

func newTracker() *tracker {
	return &tracker{restore: RestoreStatus{State: StateIdle}, last: map[string]OperationRecord{}}
}

func (t *tracker) restoreBegin(manifest string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restore = RestoreStatus{State: StateReadingManifest, Manifest: manifest, StartedAt: at}
}

func (t *tracker) restoreState(state RestoreState) {
	t.mu.Lock()
	t.restore.State = state
	t.mu.Unlock()
}

func (t *tracker) restoreEnd(state RestoreState, at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.restore.State = state
	t.restore.EndedAt = at
	if err != nil {
		t.restore.Error = err.Error()
		t.restore.Output = ToolOutput(err)
	}
}

func (t *tracker) record(rec OperationRecord) {
	t.mu.Lock()
	t.last[rec.Operation] = rec
	t.mu.Unlock()
}

func (t *tracker) snapshot() (RestoreStatus, []OperationRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	records := make([]OperationRecord, 0, len(t.last))
	for _, rec := range t.last {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Operation < records[j].Operation })
	return t.restore, records
}
