// Package queue implements a durable, client-local, ordered log of
// pending mutations captured while the remote salon API is unreachable.
// Entries are replayed against the origin by a sync driver once
// connectivity returns, with at-least-once delivery semantics and a
// bounded backlog.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// DefaultMaxEntries bounds the backlog (synced and unsynced combined).
const DefaultMaxEntries = 500

// SourceOffline marks actions captured while disconnected.
// The source field is informational only.
const SourceOffline = "offline"

var (
	// ErrQueueFull is returned by Enqueue when the backlog is at
	// capacity. This is an expected, recoverable condition the UI
	// must surface, not a failure of the store.
	ErrQueueFull = errors.New("queue: backlog at capacity")

	// ErrNoType is returned by Enqueue when the action type is empty.
	ErrNoType = errors.New("queue: action type required")
)

// Action is one entry in the offline queue.
type Action struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload"`
	ClientCreatedAt int64          `json:"clientCreatedAt"`
	Source          string         `json:"source"`
	Synced          bool           `json:"synced"`
	RetryCount      int            `json:"retryCount"`
}

// Incoming holds the caller-supplied fields of an action to enqueue.
// Source defaults to "offline" and ClientCreatedAt to the current time.
type Incoming struct {
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload"`
	Source          string         `json:"source,omitempty"`
	ClientCreatedAt int64          `json:"clientCreatedAt,omitempty"`
}

// Store is the durable storage capability for queued actions.
// Each operation is individually atomic with respect to the store;
// no cross-record transaction is offered. The retry counter carries no
// policy: backoff and abandonment belong to the sync driver.
//
// Implementations must be thread-safe!
type Store interface {
	// Enqueue persists a new unsynced action and returns the stored
	// record. It returns ErrQueueFull when the backlog is at capacity.
	Enqueue(in Incoming) (Action, error)
	// Pending returns all unsynced actions ordered by clientCreatedAt
	// ascending, ties broken by insertion order. It is a fresh,
	// non-mutating read on every call.
	Pending() ([]Action, error)
	// MarkSynced flags the action as accepted by the server and resets
	// its retry counter. A missing id is a no-op: the action is
	// treated as already resolved.
	MarkSynced(id string) error
	// IncrementRetry bumps the retry counter of the action by one.
	// A missing id is a no-op.
	IncrementRetry(id string) error
	// ClearSynced deletes every synced action. Unsynced actions are
	// never touched.
	ClearSynced() error
	// Size returns the total number of stored actions, synced and
	// unsynced combined.
	Size() (int, error)
}

// fill applies defaults and mints the identity for a new action.
func fill(in Incoming) (Action, error) {
	if in.Type == "" {
		return Action{}, ErrNoType
	}
	source := in.Source
	if source == "" {
		source = SourceOffline
	}
	createdAt := in.ClientCreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}
	return Action{
		ID:              uuid.NewString(),
		Type:            in.Type,
		Payload:         in.Payload,
		ClientCreatedAt: createdAt,
		Source:          source,
		Synced:          false,
		RetryCount:      0,
	}, nil
}

type memAction struct {
	Action
	seq uint64
}

// MemStore is an in-memory Store for tests and ephemeral kiosks.
type MemStore struct {
	mutex *sync.Mutex
	max   int
	seq   uint64
	db    map[string]*memAction
}

// NewMemStore creates an in-memory store holding at most maxEntries
// actions. A maxEntries of 0 means DefaultMaxEntries.
func NewMemStore(maxEntries int) *MemStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemStore{
		mutex: &sync.Mutex{},
		max:   maxEntries,
		db:    make(map[string]*memAction),
	}
}

func (m *MemStore) Enqueue(in Incoming) (Action, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.db) >= m.max {
		return Action{}, ErrQueueFull
	}
	action, err := fill(in)
	if err != nil {
		return Action{}, err
	}
	m.seq++
	m.db[action.ID] = &memAction{Action: action, seq: m.seq}
	return action, nil
}

func (m *MemStore) Pending() ([]Action, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	pending := make([]*memAction, 0)
	for _, a := range m.db {
		if !a.Synced {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ClientCreatedAt != pending[j].ClientCreatedAt {
			return pending[i].ClientCreatedAt < pending[j].ClientCreatedAt
		}
		return pending[i].seq < pending[j].seq
	})
	actions := make([]Action, len(pending))
	for i, a := range pending {
		actions[i] = a.Action
	}
	return actions, nil
}

func (m *MemStore) MarkSynced(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if a, ok := m.db[id]; ok {
		a.Synced = true
		a.RetryCount = 0
	}
	return nil
}

func (m *MemStore) IncrementRetry(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if a, ok := m.db[id]; ok {
		a.RetryCount++
	}
	return nil
}

func (m *MemStore) ClearSynced() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id, a := range m.db {
		if a.Synced {
			delete(m.db, id)
		}
	}
	return nil
}

func (m *MemStore) Size() (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.db), nil
}

// SQLiteStore is the durable Store. Records live in a single table
// keyed by id, with secondary indexes on synced and client_created_at
// so pending enumeration never scans the whole table.
type SQLiteStore struct {
	db         *sql.DB
	max        int
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the queue database. Failure to open
// is fatal to offline functionality and is returned to the caller.
// A maxEntries of 0 means DefaultMaxEntries.
func NewSQLiteStore(filename string, maxEntries int) (*SQLiteStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS queue_actions (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		client_created_at INTEGER NOT NULL,
		source TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS synced_idx ON queue_actions (synced)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS created_idx ON queue_actions (client_created_at)"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	return &SQLiteStore{
		db:         db,
		max:        maxEntries,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteStore) Enqueue(in Incoming) (Action, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM queue_actions").Scan(&count); err != nil {
		return Action{}, err
	}
	if count >= s.max {
		return Action{}, ErrQueueFull
	}
	action, err := fill(in)
	if err != nil {
		return Action{}, err
	}
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return Action{}, err
	}
	_, err = s.db.Exec(
		"INSERT INTO queue_actions (id, type, payload, client_created_at, source, synced, retry_count) VALUES (?, ?, ?, ?, ?, 0, 0)",
		action.ID, action.Type, string(payload), action.ClientCreatedAt, action.Source)
	if err != nil {
		return Action{}, err
	}
	return action, nil
}

func (s *SQLiteStore) Pending() ([]Action, error) {
	// rowid breaks clientCreatedAt ties in insertion order
	rows, err := s.db.Query(
		"SELECT id, type, payload, client_created_at, source, retry_count FROM queue_actions WHERE synced = 0 ORDER BY client_created_at ASC, rowid ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	actions := make([]Action, 0)
	for rows.Next() {
		var a Action
		var payload string
		if err := rows.Scan(&a.ID, &a.Type, &payload, &a.ClientCreatedAt, &a.Source, &a.RetryCount); err != nil {
			return actions, err
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return actions, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func (s *SQLiteStore) MarkSynced(id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE queue_actions SET synced = 1, retry_count = 0 WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) IncrementRetry(id string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("UPDATE queue_actions SET retry_count = retry_count + 1 WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ClearSynced() error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM queue_actions WHERE synced = 1")
	return err
}

func (s *SQLiteStore) Size() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM queue_actions").Scan(&count)
	return count, err
}
