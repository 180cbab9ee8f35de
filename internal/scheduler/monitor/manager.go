package monitor

import (
	"sync"
	"time"

	"github.com/mkarlsen/memsched/internal/log"
)

type scopeKey struct {
	userID string
	cubeID string
}

type scope struct {
	queries *QueryMonitor
	working *WorkingMonitor
	loaded  bool

	lastActivationUpdate time.Time
	lastForcedRetrieval  time.Time
}

// Manager owns all monitor state, scoped by (user, cube). Reads and writes
// go through explicit SyncWithORM boundaries so concurrent handlers for the
// same user observe a consistent snapshot.
type Manager struct {
	mu           sync.Mutex
	scopes       map[scopeKey]*scope
	store        *Store // nil disables persistence
	historyLimit int
}

// NewManager creates a manager. store may be nil for in-memory-only use.
func NewManager(store *Store, historyLimit int) *Manager {
	return &Manager{
		scopes:       make(map[scopeKey]*scope),
		store:        store,
		historyLimit: historyLimit,
	}
}

func (m *Manager) scopeFor(userID, cubeID string) *scope {
	key := scopeKey{userID: userID, cubeID: cubeID}
	sc, ok := m.scopes[key]
	if !ok {
		sc = &scope{
			queries: NewQueryMonitor(m.historyLimit),
			working: NewWorkingMonitor(),
		}
		m.scopes[key] = sc
	}
	if !sc.loaded && m.store != nil {
		if entries, err := m.store.LoadQueries(userID, cubeID); err == nil && len(entries) > 0 {
			sc.queries.load(entries)
		} else if err != nil {
			log.ErrorErr(log.CatMonitor, "Failed to restore query history", err,
				"userID", userID, "cubeID", cubeID)
		}
		if entries, err := m.store.LoadWorking(userID, cubeID); err == nil && len(entries) > 0 {
			sc.working.load(entries)
		} else if err != nil {
			log.ErrorErr(log.CatMonitor, "Failed to restore working monitors", err,
				"userID", userID, "cubeID", cubeID)
		}
		sc.loaded = true
	}
	return sc
}

// RegisterQuery appends a query with extracted keywords to the history.
func (m *Manager) RegisterQuery(userID, cubeID, query string, keywords []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scopeFor(userID, cubeID).queries.Put(QueryItem{
		QueryText: query,
		Keywords:  keywords,
	})
}

// QueryHistory returns the query texts, oldest first.
func (m *Manager) QueryHistory(userID, cubeID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeFor(userID, cubeID).queries.QueriesWithTimesort()
}

// KeywordFrequencies returns the keyword frequency map for the history.
func (m *Manager) KeywordFrequencies(userID, cubeID string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeFor(userID, cubeID).queries.KeywordsCollections()
}

// UpdateWorking merges entries into the working monitor.
func (m *Manager) UpdateWorking(userID, cubeID string, entries []MemoryEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopeFor(userID, cubeID).working.Update(entries)
}

// SortedWorking returns working entries best first.
func (m *Manager) SortedWorking(userID, cubeID string) []MemoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeFor(userID, cubeID).working.SortedEntries(true)
}

// WorkingLen returns the tracked working-set size.
func (m *Manager) WorkingLen(userID, cubeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeFor(userID, cubeID).working.Len()
}

// SyncWithORM serializes the scope's state to the store. A nil store makes
// this a no-op so in-memory deployments share the same call sites.
func (m *Manager) SyncWithORM(userID, cubeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	sc := m.scopeFor(userID, cubeID)
	if err := m.store.SaveQueries(userID, cubeID, sc.queries.Entries()); err != nil {
		return err
	}
	return m.store.SaveWorking(userID, cubeID, sc.working.SortedEntries(true))
}

// ActivationDue reports whether the activation refresh interval elapsed
// for the scope, and records now as the last update time when it did.
func (m *Manager) ActivationDue(userID, cubeID string, interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc := m.scopeFor(userID, cubeID)
	if !TimedTrigger(sc.lastActivationUpdate, interval) {
		return false
	}
	sc.lastActivationUpdate = time.Now().UTC()
	return true
}

// ForcedRetrievalDue reports whether the periodic retrieval timer elapsed
// for the scope, recording now when it did.
func (m *Manager) ForcedRetrievalDue(userID, cubeID string, interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	sc := m.scopeFor(userID, cubeID)
	if !TimedTrigger(sc.lastForcedRetrieval, interval) {
		return false
	}
	sc.lastForcedRetrieval = time.Now().UTC()
	return true
}
