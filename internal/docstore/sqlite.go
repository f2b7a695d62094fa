package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// changeRetention bounds the change log. Subscribers further behind than
// this miss intermediate writes but still see current state.
const changeRetention = "-1 hour"

// SQLite is a Channel backed by a SQLite file. Every write is appended to a
// change log so each overwrite of a document is delivered, not only the
// last. Writes from this process are picked up immediately; with file
// watching enabled, writes from other processes sharing the file are picked
// up through fsnotify.
type SQLite struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex

	hub *hub

	pollMu      sync.Mutex
	lastVersion int64

	watcher *fsnotify.Watcher
	poke    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// OpenSQLite opens or creates the document database at path.
func OpenSQLite(path string, watchFiles bool) (*SQLite, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	// WAL so a second process can read while we write. Pragmas go in the
	// DSN so every pooled connection gets them.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			version    INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		);
		CREATE INDEX IF NOT EXISTS documents_version ON documents(version);
		CREATE TABLE IF NOT EXISTS changes (
			version    INTEGER PRIMARY KEY AUTOINCREMENT,
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	if _, err := db.Exec(`DELETE FROM changes WHERE created_at < datetime('now', ?)`, changeRetention); err != nil {
		log.Warnf("prune change log: %v", err)
	}

	s := &SQLite{
		db:   db,
		path: path,
		hub:  newHub(),
		poke: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM documents`).Scan(&s.lastVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("read version: %w", err)
	}

	if watchFiles {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create fsnotify watcher: %w", err)
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			db.Close()
			return nil, fmt.Errorf("watch store dir: %w", err)
		}
		s.watcher = w
	}

	s.wg.Add(1)
	go s.run()

	log.Infof("opened sqlite store %s (watch=%v, version=%d)", path, watchFiles, s.lastVersion)
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

func (s *SQLite) EnableNetwork(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Get(ctx context.Context, ref Ref) (Document, error) {
	if err := ref.Validate(); err != nil {
		return Document{}, err
	}
	if s.closed() {
		return Document{}, ErrClosed
	}

	s.mu.RLock()
	row := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM documents WHERE collection = ? AND id = ?`,
		ref.Collection, ref.ID)
	s.mu.RUnlock()

	var raw string
	var version int64
	if err := row.Scan(&raw, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{Ref: ref}, ErrNotFound
		}
		return Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	data, err := decodeData([]byte(raw))
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", ref, err)
	}
	return Document{Ref: ref, Exists: true, Data: data, Version: version}, nil
}

func (s *SQLite) Set(ctx context.Context, ref Ref, data map[string]any) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if s.closed() {
		return ErrClosed
	}

	s.mu.Lock()
	err = s.write(ctx, ref, string(b))
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set %s: %w", ref, err)
	}

	select {
	case s.poke <- struct{}{}:
	default:
	}
	return nil
}

// write appends to the change log and upserts the document at the new
// version in one transaction. Caller holds mu.
func (s *SQLite) write(ctx context.Context, ref Ref, data string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO changes (collection, id, data) VALUES (?, ?, ?)`,
		ref.Collection, ref.ID, data)
	if err != nil {
		return err
	}
	version, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, data, version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			version = excluded.version,
			updated_at = CURRENT_TIMESTAMP`,
		ref.Collection, ref.ID, data, version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *SQLite) WatchDocument(ref Ref) (<-chan Snapshot, func()) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	initial := Snapshot{Docs: []Document{{Ref: ref}}}
	docs, err := s.loadUpTo(`collection = ? AND id = ?`, ref.Collection, ref.ID)
	switch {
	case err != nil:
		initial = Snapshot{Err: err}
	case len(docs) == 1:
		initial = Snapshot{Docs: docs}
	}
	return s.hub.add(false, ref.Path(), &initial)
}

func (s *SQLite) WatchCollection(collection string) (<-chan Snapshot, func()) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	var initial *Snapshot
	docs, err := s.loadUpTo(`collection = ?`, collection)
	switch {
	case err != nil:
		initial = &Snapshot{Err: err}
	case len(docs) > 0:
		initial = &Snapshot{Docs: docs}
	}
	return s.hub.add(true, collection, initial)
}

// loadUpTo reads matching documents no newer than lastVersion. Anything
// newer is delivered by the next poll. Caller holds pollMu.
func (s *SQLite) loadUpTo(where string, args ...any) ([]Document, error) {
	args = append(args, s.lastVersion)
	s.mu.RLock()
	rows, err := s.db.Query(
		`SELECT collection, id, data, version FROM documents WHERE `+where+` AND version <= ? ORDER BY id`,
		args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func scanDocument(rows *sql.Rows) (Document, error) {
	var coll, id, raw string
	var version int64
	if err := rows.Scan(&coll, &id, &raw, &version); err != nil {
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	ref := Doc(coll, id)
	data, err := decodeData([]byte(raw))
	if err != nil {
		return Document{Ref: ref, Version: version}, err
	}
	return Document{Ref: ref, Exists: true, Data: data, Version: version}, nil
}

func (s *SQLite) run() {
	defer s.wg.Done()

	var events chan fsnotify.Event
	var errs chan error
	if s.watcher != nil {
		events = s.watcher.Events
		errs = s.watcher.Errors
	}
	base := filepath.Base(s.path)

	for {
		select {
		case <-s.done:
			return
		case <-s.poke:
			s.poll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// data.db, data.db-wal, data.db-shm
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				s.poll()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warnf("store watcher error: %v", err)
		}
	}
}

// poll publishes every write since the last poll, in write order.
func (s *SQLite) poll() {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	s.mu.RLock()
	rows, err := s.db.Query(
		`SELECT collection, id, data, version FROM changes WHERE version > ? ORDER BY version`,
		s.lastVersion)
	s.mu.RUnlock()
	if err != nil {
		log.Warnf("poll documents: %v", err)
		s.hub.failAll(fmt.Errorf("poll documents: %w", err))
		return
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if doc.Version > s.lastVersion {
			s.lastVersion = doc.Version
		}
		if err != nil {
			log.Warnf("poll %s: %v", doc.Ref, err)
			s.hub.fail(doc.Ref.Path(), err)
			s.hub.fail(doc.Ref.Collection, err)
			continue
		}
		s.hub.publish(doc)
	}
	if err := rows.Err(); err != nil {
		s.hub.failAll(fmt.Errorf("poll documents: %w", err))
	}
}

func (s *SQLite) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.watcher != nil {
			s.watcher.Close()
		}
		s.hub.closeAll()
		err = s.db.Close()
	})
	return err
}
