// Package sqlite implements the persistence substrate on a SQLite database
// file. The file is the one resource shared between execution contexts of
// the same user; WAL mode lets several processes read and write it
// concurrently. SQLite has no cross-process change notification, so Watch
// polls a version counter instead.
package sqlite

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/provana/cascata/internal/persist"
)

const (
	defaultKey           = "cascade/state"
	defaultWatchInterval = 500 * time.Millisecond
)

// Option configures the store.
type Option func(*Store)

// WithKey sets the snapshot key. Distinct keys behave as independent
// substrates within the same file.
func WithKey(key string) Option {
	return func(s *Store) {
		s.key = key
	}
}

// WithWatchInterval sets how often Watch polls for external writes.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Store) {
		s.watchInterval = d
	}
}

// WithLogger sets the logger used for absorbed persistence faults.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is a SQLite implementation of persist.Substrate. Every Store gets a
// unique writer identity so Watch can tell its own writes from everyone
// else's.
type Store struct {
	db            *sql.DB
	key           string
	writerID      string
	watchInterval time.Duration
	logger        *slog.Logger

	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int
	wg       sync.WaitGroup
}

type watcher struct {
	stopCh chan struct{}
	once   sync.Once
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.stopCh) })
}

var _ persist.Substrate = (*Store)(nil)

// New opens (creating if needed) the substrate database at path.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{
		db:            db,
		key:           defaultKey,
		writerID:      uuid.NewString(),
		watchInterval: defaultWatchInterval,
		logger:        slog.Default(),
		watchers:      make(map[int]*watcher),
	}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		writer_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to execute schema statement: %w", err)
	}
	return nil
}

// Write stores the snapshot, bumping the version counter. Failures are
// logged and dropped; in-memory state stays authoritative for the caller.
func (s *Store) Write(snap *persist.Snapshot) {
	payload, err := persist.Encode(snap)
	if err != nil {
		s.logger.Warn("failed to encode snapshot", slog.String("error", err.Error()))
		return
	}

	_, err = s.db.Exec(`
	INSERT INTO snapshots (key, version, writer_id, payload, updated_at)
	VALUES (?, 1, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET
		version = snapshots.version + 1,
		writer_id = excluded.writer_id,
		payload = excluded.payload,
		updated_at = CURRENT_TIMESTAMP
	`, s.key, s.writerID, string(payload))
	if err != nil {
		s.logger.Warn("failed to persist snapshot", slog.String("error", err.Error()))
	}
}

// Read returns the stored snapshot, or nil if none exists or the stored
// value is unreadable.
func (s *Store) Read() *persist.Snapshot {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE key = ?`, s.key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read snapshot", slog.String("error", err.Error()))
		return nil
	}
	return persist.Decode([]byte(payload))
}

// Watch polls for writes made by other contexts and delivers each new one
// to fn. Snapshots that fail to decode are skipped. The returned stop
// function is idempotent.
func (s *Store) Watch(fn func(*persist.Snapshot)) (stop func()) {
	w := &watcher{stopCh: make(chan struct{})}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()

	// The baseline must be taken before Watch returns: a write landing
	// between registration and the loop's first poll has to be delivered,
	// not folded into the starting point.
	baseline := s.currentVersion()

	s.wg.Add(1)
	go s.watchLoop(w.stopCh, baseline, fn)

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.stop()
	}
}

func (s *Store) watchLoop(stopCh <-chan struct{}, lastSeen int64, fn func(*persist.Snapshot)) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		var version int64
		var writerID, payload string
		err := s.db.QueryRow(`SELECT version, writer_id, payload FROM snapshots WHERE key = ?`, s.key).
			Scan(&version, &writerID, &payload)
		if err != nil {
			continue
		}

		if version <= lastSeen {
			continue
		}
		lastSeen = version

		if writerID == s.writerID {
			continue
		}

		snap := persist.Decode([]byte(payload))
		if snap == nil {
			continue
		}
		fn(snap)
	}
}

func (s *Store) currentVersion() int64 {
	var version int64
	err := s.db.QueryRow(`SELECT version FROM snapshots WHERE key = ?`, s.key).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

// Close stops all watchers and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	for id, w := range s.watchers {
		delete(s.watchers, id)
		w.stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
