// Package indexdb keeps a sqlite read model of save activity per profile.
// The save files stay the source of truth; the index is written
// asynchronously and may drop rows under load.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"keepsake.gg/internal/persistence/manager"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan manager.Event
	wg   sync.WaitGroup
	once sync.Once

	closed    atomic.Bool
	dropTotal atomic.Uint64
}

type ProfileRow struct {
	Profile     string `json:"profile"`
	SaveID      string `json:"save_id"`
	LastUpdated int64  `json:"last_updated"`
	Health      int    `json:"health"`
	Collected   int    `json:"collected"`
	Saves       int    `json:"saves"`
	Recoveries  int    `json:"recoveries"`
	LastEvent   string `json:"last_event"`
	UpdatedAt   string `json:"updated_at"`
}

type EventRow struct {
	Seq     int64  `json:"seq"`
	At      string `json:"at"`
	Kind    string `json:"kind"`
	Profile string `json:"profile"`
	SaveID  string `json:"save_id,omitempty"`
	Err     string `json:"error,omitempty"`
}

type Stats struct {
	DropTotal     uint64 `json:"drop_total"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan manager.Event, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			profile TEXT PRIMARY KEY,
			save_id TEXT NOT NULL DEFAULT '',
			last_updated INTEGER NOT NULL DEFAULT 0,
			health INTEGER NOT NULL DEFAULT 0,
			collected INTEGER NOT NULL DEFAULT 0,
			saves INTEGER NOT NULL DEFAULT 0,
			recoveries INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			last_event TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			profile TEXT NOT NULL,
			save_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_profile_seq ON events(profile, seq);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// OnEvent implements manager.Observer. It never blocks the caller.
func (s *SQLiteIndex) OnEvent(ev manager.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropTotal.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		DropTotal:     s.dropTotal.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

func (s *SQLiteIndex) Profiles(ctx context.Context) ([]ProfileRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT profile,save_id,last_updated,health,collected,saves,recoveries,last_event,updated_at
		FROM profiles WHERE deleted=0 ORDER BY profile`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProfileRow
	for rows.Next() {
		var r ProfileRow
		if err := rows.Scan(&r.Profile, &r.SaveID, &r.LastUpdated, &r.Health, &r.Collected, &r.Saves, &r.Recoveries, &r.LastEvent, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MostRecent returns the live profile with the newest save.
func (s *SQLiteIndex) MostRecent(ctx context.Context) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT profile FROM profiles WHERE deleted=0 AND saves>0
		ORDER BY last_updated DESC, profile ASC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Events returns the newest events for a profile (all profiles when empty),
// newest first.
func (s *SQLiteIndex) Events(ctx context.Context, profile string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT seq,at,kind,profile,save_id,error FROM events`
	args := []any{}
	if profile != "" {
		q += ` WHERE profile=?`
		args = append(args, profile)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EventRow
	for rows.Next() {
		var r EventRow
		if err := rows.Scan(&r.Seq, &r.At, &r.Kind, &r.Profile, &r.SaveID, &r.Err); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO events(at,kind,profile,save_id,error) VALUES(?,?,?,?,?)`)
	upsertProfile, _ := s.db.Prepare(`INSERT INTO profiles(profile,save_id,last_updated,health,collected,saves,recoveries,deleted,last_event,updated_at)
		VALUES(?,?,?,?,?,?,?,0,?,?)
		ON CONFLICT(profile) DO UPDATE SET
			save_id=excluded.save_id,
			last_updated=excluded.last_updated,
			health=excluded.health,
			collected=excluded.collected,
			saves=profiles.saves+excluded.saves,
			recoveries=profiles.recoveries+excluded.recoveries,
			deleted=0,
			last_event=excluded.last_event,
			updated_at=excluded.updated_at`)
	markDeleted, _ := s.db.Prepare(`UPDATE profiles SET deleted=1, last_event=?, updated_at=? WHERE profile=?`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEvent, upsertProfile, markDeleted} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for ev := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		at := ev.At.UTC().Format(time.RFC3339Nano)
		if insertEvent != nil {
			if _, err := tx.Stmt(insertEvent).Exec(at, string(ev.Kind), ev.Profile, ev.SaveID, ev.Err); err != nil {
				rollback()
				continue
			}
			opCount++
		}

		switch ev.Kind {
		case manager.EventSaved, manager.EventLoaded, manager.EventRecovered:
			if ev.Data == nil || upsertProfile == nil {
				break
			}
			saves, recoveries := 0, 0
			if ev.Kind == manager.EventSaved {
				saves = 1
			}
			if ev.Kind == manager.EventRecovered {
				recoveries = 1
			}
			if _, err := tx.Stmt(upsertProfile).Exec(
				ev.Profile,
				ev.Data.SaveID,
				ev.Data.LastUpdated,
				ev.Data.Health,
				ev.Data.CollectedCount(),
				saves,
				recoveries,
				string(ev.Kind),
				at,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		case manager.EventProfileDeleted:
			if markDeleted == nil {
				break
			}
			if _, err := tx.Stmt(markDeleted).Exec(string(ev.Kind), at, ev.Profile); err != nil {
				rollback()
				continue
			}
			opCount++
		}

		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0 {
			commit()
		}
	}
	commit()
}
