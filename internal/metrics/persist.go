package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/paths"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

const (
	dbFileName    = "metrics.db"
	dbOpenOptions = "?_busy_timeout=5000"
)

const schemaSQL = `CREATE TABLE IF NOT EXISTS samples (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts_millis   INTEGER NOT NULL,
	pipeline_id TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	value       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS samples_source_name ON samples (source_id, name, ts_millis);
CREATE TABLE IF NOT EXISTS counters (
	path       TEXT PRIMARY KEY,
	value      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store persists pipeline samples and manager counters in sqlite.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	subs []bus.SubscriptionID
}

// OpenStore opens (creating if needed) the database at path.
// An empty path means ~/.serialmon/metrics.db.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		p, err := paths.DataPath(dbFileName)
		if err != nil {
			return nil, fmt.Errorf("resolve metrics db path: %w", err)
		}
		path = p
	} else {
		p, err := paths.ExpandTilde(path)
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+dbOpenOptions)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metrics schema: %w", err)
	}

	L_debug("metrics: store opened", "path", path)
	return &Store{db: db}, nil
}

// Record stores one sample produced by a pipeline.
func (s *Store) Record(pipelineID string, m types.Metric) error {
	_, err := s.db.Exec(
		"INSERT INTO samples (ts_millis, pipeline_id, source_id, name, value) VALUES (?, ?, ?, ?, ?)",
		m.TsMillis, pipelineID, m.SourceID, m.Name, m.Value,
	)
	return err
}

// Recent returns up to limit of the newest samples for a source and metric
// name, oldest first.
func (s *Store) Recent(sourceID, name string, limit int) ([]types.Metric, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`SELECT ts_millis, source_id, name, value FROM (
		SELECT id, ts_millis, source_id, name, value FROM samples
		WHERE source_id = ? AND name = ?
		ORDER BY ts_millis DESC, id DESC LIMIT ?
	) ORDER BY ts_millis ASC, id ASC`, sourceID, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Metric
	for rows.Next() {
		var m types.Metric
		if err := rows.Scan(&m.TsMillis, &m.SourceID, &m.Name, &m.Value); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Prune deletes samples older than maxAge and returns how many were removed.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec("DELETE FROM samples WHERE ts_millis < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Follow records every sample published for a pipeline.
func (s *Store) Follow(pipelineID string) {
	s.subscribe(bus.SubscribeEvent("metrics::"+pipelineID, s.handleSample))
}

// FollowAll records samples from every pipeline.
func (s *Store) FollowAll() {
	s.subscribe(bus.SubscribePrefix("metrics::", s.handleSample))
}

func (s *Store) subscribe(id bus.SubscriptionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, id)
}

func (s *Store) handleSample(e bus.Event) {
	sample, ok := sampleOf(e.Data)
	if !ok {
		return
	}
	pipelineID := e.Topic[len("metrics::"):]
	if err := s.Record(pipelineID, sample); err != nil {
		L_warn("metrics: failed to record sample", "pipeline", pipelineID, "name", sample.Name, "error", err)
	}
}

func sampleOf(data any) (types.Metric, bool) {
	switch v := data.(type) {
	case types.Metric:
		return v, true
	case *types.Metric:
		if v != nil {
			return *v, true
		}
	}
	return types.Metric{}, false
}

// SaveCounters upserts every counter of m in a single transaction.
func (s *Store) SaveCounters(m *Manager) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`INSERT INTO counters (path, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for path, value := range m.Counters() {
		if _, err := stmt.Exec(path, value, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadCounters adds persisted counter values into m and returns how many were loaded.
func (s *Store) LoadCounters(m *Manager) (int, error) {
	rows, err := s.db.Query("SELECT path, value FROM counters")
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var path string
		var value int64
		if err := rows.Scan(&path, &value); err != nil {
			L_warn("metrics: failed to scan counter", "error", err)
			continue
		}
		m.addCounterPath(path, value)
		count++
	}
	return count, rows.Err()
}

// Close stops following pipelines and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, id := range subs {
		bus.UnsubscribeEvent(id)
	}
	return s.db.Close()
}
