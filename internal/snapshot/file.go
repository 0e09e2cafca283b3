package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FileStore writes one file per (taskID, version) under
// <dir>/<task_id>/<version>.json, using temp-file-then-rename so an
// interrupted write can never leave a corrupt snapshot on disk (spec.md
// §4.12). A mutex serializes writes per-process; os.Rename is itself
// atomic within a filesystem, which is what protects against partial
// reads from other processes.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore roots a FileStore at dir, creating it if necessary.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) taskDir(taskID string) string {
	return filepath.Join(f.dir, taskID)
}

func (f *FileStore) versionPath(taskID string, version int) string {
	return filepath.Join(f.taskDir(taskID), strconv.Itoa(version)+".json")
}

func (f *FileStore) Save(ctx context.Context, s Snapshot) error {
	if err := ValidateJSONSafe(s.Data); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	versions, err := f.listVersionsLocked(s.TaskID)
	if err != nil {
		return err
	}
	current := 0
	if len(versions) > 0 {
		current = versions[len(versions)-1]
	}
	if s.Version <= current {
		return &VersionConflictError{TaskID: s.TaskID, AttemptedVersion: s.Version, CurrentVersion: current}
	}

	taskDir := f.taskDir(s.TaskID)
	if err := os.MkdirAll(taskDir, 0o755); err != nil {
		return err
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(taskDir, ".snapshot-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, f.versionPath(s.TaskID, s.Version))
}

func (f *FileStore) Get(ctx context.Context, taskID string, version *int) (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := version
	if v == nil {
		versions, err := f.listVersionsLocked(taskID)
		if err != nil {
			return Snapshot{}, false, err
		}
		if len(versions) == 0 {
			return Snapshot{}, false, nil
		}
		latest := versions[len(versions)-1]
		v = &latest
	}

	data, err := os.ReadFile(f.versionPath(taskID, *v))
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, fmt.Errorf("corrupt snapshot file for task %s version %d: %w", taskID, *v, err)
	}
	return s, true, nil
}

func (f *FileStore) ListVersions(ctx context.Context, taskID string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listVersionsLocked(taskID)
}

func (f *FileStore) listVersionsLocked(taskID string) ([]int, error) {
	entries, err := os.ReadDir(f.taskDir(taskID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var versions []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // skip stray non-version files
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

func (f *FileStore) Delete(ctx context.Context, taskID string, version *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if version == nil {
		return os.RemoveAll(f.taskDir(taskID))
	}

	err := os.Remove(f.versionPath(taskID, *version))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
