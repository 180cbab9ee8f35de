// Package activation maintains the activation cache: a composed prompt
// assembled from the current working set, refreshed on an interval and
// persisted to disk as a versioned snapshot.
package activation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/metrics"
	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
)

// SnapshotVersion tags the on-disk format.
const SnapshotVersion = 1

const assemblyHeader = "The following memories are currently active for this user:"

// Snapshot is the persisted form of the activation cache.
type Snapshot struct {
	Version   int                     `json:"version"`
	SavedAt   time.Time               `json:"saved_at"`
	UserID    string                  `json:"user_id"`
	MemCubeID string                  `json:"mem_cube_id"`
	Items     []memory.ActivationItem `json:"items"`
}

// Manager refreshes activation caches from working-memory monitors.
type Manager struct {
	mu       sync.Mutex
	monitors *monitor.Manager
	interval time.Duration
	dumpPath string
}

// NewManager creates an activation manager.
func NewManager(monitors *monitor.Manager, interval time.Duration, dumpPath string) *Manager {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Manager{
		monitors: monitors,
		interval: interval,
		dumpPath: dumpPath,
	}
}

// RefreshPeriodically refreshes the cache when the per-scope interval has
// elapsed. Errors are logged and never propagated; the next interval
// retries.
func (m *Manager) RefreshPeriodically(ctx context.Context, userID, cubeID string, cube *memory.Cube, label string) {
	if !m.monitors.ActivationDue(userID, cubeID, m.interval) {
		return
	}
	if err := m.Refresh(ctx, userID, cubeID, cube, label); err != nil {
		log.ErrorErr(log.CatActivation, "Activation refresh failed", err,
			"userID", userID, "cubeID", cubeID, "label", label)
	}
}

// Refresh rebuilds the activation cache from the current working set.
// An unchanged composed text leaves the cache untouched.
func (m *Manager) Refresh(ctx context.Context, userID, cubeID string, cube *memory.Cube, label string) error {
	if cube == nil || cube.ActMem == nil {
		return fmt.Errorf("mem cube %s has no activation memory", cubeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.monitors.SortedWorking(userID, cubeID)
	if len(entries) == 0 {
		log.Debug(log.CatActivation, "Working monitors empty, skipping refresh",
			"userID", userID, "cubeID", cubeID)
		return nil
	}

	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.TrimSpace(e.MemoryText) != "" {
			texts = append(texts, e.MemoryText)
		}
	}
	composed := Compose(texts)

	existing, err := cube.ActMem.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("read activation cache: %w", err)
	}
	if len(existing) > 0 && existing[len(existing)-1].ComposedText == composed {
		log.Debug(log.CatActivation, "Composed text unchanged, skipping refresh",
			"userID", userID, "cubeID", cubeID)
		return nil
	}

	if err := cube.ActMem.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear activation cache: %w", err)
	}
	item := memory.ActivationItem{
		ID:           uuid.NewString(),
		ComposedText: composed,
		TextMemories: texts,
		Timestamp:    time.Now().UTC(),
	}
	if err := cube.ActMem.Add(ctx, item); err != nil {
		return fmt.Errorf("add activation item: %w", err)
	}

	if m.dumpPath != "" {
		if err := m.dump(ctx, userID, cubeID, cube); err != nil {
			return fmt.Errorf("persist activation cache: %w", err)
		}
	}

	metrics.ActivationRefreshes.Inc()
	log.Info(log.CatActivation, "Activation memory updated",
		"userID", userID, "cubeID", cubeID, "label", label, "memories", len(texts))
	return nil
}

// Compose builds the assembly prompt: a header plus a numbered list,
// skipping empty texts.
func Compose(texts []string) string {
	var b strings.Builder
	b.WriteString(assemblyHeader)
	n := 0
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		n++
		b.WriteString(fmt.Sprintf("\n%d. %s", n, t))
	}
	return b.String()
}

// dump writes the cache snapshot atomically (temp file + rename).
func (m *Manager) dump(ctx context.Context, userID, cubeID string, cube *memory.Cube) error {
	items, err := cube.ActMem.GetAll(ctx)
	if err != nil {
		return err
	}
	snap := Snapshot{
		Version:   SnapshotVersion,
		SavedAt:   time.Now().UTC(),
		UserID:    userID,
		MemCubeID: cubeID,
		Items:     items,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.dumpPath), 0o755); err != nil {
		return err
	}
	tmp := m.dumpPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.dumpPath)
}

// LoadSnapshot reads a persisted snapshot from path. A missing file
// returns an empty snapshot.
func LoadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-controlled dump path
	if os.IsNotExist(err) {
		return Snapshot{Version: SnapshotVersion}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read activation snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode activation snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported activation snapshot version %d", snap.Version)
	}
	return snap, nil
}
