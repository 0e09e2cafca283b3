package snapshot

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in a map of ordered version slices guarded
// by a single mutex, directly modeled on the teacher's SessionStore in
// internal/httpapi/sessions.go (same sync.RWMutex-guarded
// map[string]<value> shape, generalized from one session per user to an
// ordered slice of versions per task).
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string][]Snapshot // ordered ascending by Version
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string][]Snapshot)}
}

func (m *MemoryStore) Save(ctx context.Context, s Snapshot) error {
	if err := ValidateJSONSafe(s.Data); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.byID[s.TaskID]
	current := 0
	if len(versions) > 0 {
		current = versions[len(versions)-1].Version
	}
	if s.Version <= current {
		return &VersionConflictError{TaskID: s.TaskID, AttemptedVersion: s.Version, CurrentVersion: current}
	}

	m.byID[s.TaskID] = append(versions, s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, taskID string, version *int) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.byID[taskID]
	if len(versions) == 0 {
		return Snapshot{}, false, nil
	}
	if version == nil {
		return versions[len(versions)-1], true, nil
	}
	for _, s := range versions {
		if s.Version == *version {
			return s, true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.byID[taskID]
	out := make([]int, len(versions))
	for i, s := range versions {
		out[i] = s.Version
	}
	sort.Ints(out)
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, taskID string, version *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if version == nil {
		delete(m.byID, taskID)
		return nil
	}

	versions := m.byID[taskID]
	kept := versions[:0]
	for _, s := range versions {
		if s.Version != *version {
			kept = append(kept, s)
		}
	}
	m.byID[taskID] = kept
	return nil
}
