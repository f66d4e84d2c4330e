// Package indexdb mirrors turn-lifecycle rows into a local sqlite index so
// operators can query conversation history without replaying transcript
// logs. A single writer goroutine drains a bounded queue; when the indexer
// falls behind, rows are dropped and counted; the zstd transcript remains
// the source of truth.
package indexdb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type TurnRow struct {
	Time          string
	Kind          string
	EntityID      string
	RequesterID   string
	RequesterName string
	Text          string
	Instruction   string
	Reason        string
	Dropped       int
}

type SQLiteIndex struct {
	db *sql.DB

	ch   chan TurnRow
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

func Open(path string) (*SQLiteIndex, error) {
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
		// Generous buffer: bursty abort cascades write many rows at once.
		ch: make(chan TurnRow, 8192),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads; NORMAL is a fair
	// durability tradeoff for a secondary index.
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
		`CREATE TABLE IF NOT EXISTS turns (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			time TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			requester_id TEXT,
			requester_name TEXT,
			text TEXT,
			instruction TEXT,
			reason TEXT,
			dropped INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_entity_time ON turns(entity_id, time);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_requester_time ON turns(requester_id, time);`,
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

// Write queues one row. Never blocks: if the writer is behind, the row is
// dropped and counted.
func (s *SQLiteIndex) Write(row TurnRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- row:
	default:
		s.dropped.Add(1)
	}
}

// DroppedRows reports how many rows were discarded because the writer fell
// behind.
func (s *SQLiteIndex) DroppedRows() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

func (s *SQLiteIndex) loop() {
	insert, err := s.db.Prepare(`INSERT INTO turns(time,kind,entity_id,requester_id,requester_name,text,instruction,reason,dropped)
		VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		// Schema init succeeded, so this should not happen; drain and drop.
		for range s.ch {
			s.dropped.Add(1)
		}
		return
	}
	defer insert.Close()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = 2 * time.Second
	)
	commit := func() {
		if tx != nil {
			_ = tx.Commit()
			tx = nil
			opCount = 0
			lastCommit = time.Now()
		}
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case row, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			if tx == nil {
				tx, err = s.db.Begin()
				if err != nil {
					s.dropped.Add(1)
					continue
				}
			}
			_, _ = tx.Stmt(insert).Exec(
				row.Time, row.Kind, row.EntityID,
				row.RequesterID, row.RequesterName,
				row.Text, row.Instruction, row.Reason, row.Dropped)
			opCount++
			if opCount >= commitEvery {
				commit()
			}
		case <-ticker.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
		}
	}
}

// RecentTurns returns up to limit rows for one entity, newest first.
// Diagnostics only.
func (s *SQLiteIndex) RecentTurns(entityID string, limit int) ([]TurnRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT time,kind,entity_id,requester_id,requester_name,text,instruction,reason,dropped
		 FROM turns WHERE entity_id = ? ORDER BY seq DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TurnRow
	for rows.Next() {
		var r TurnRow
		var reqID, reqName, text, instr, reason sql.NullString
		if err := rows.Scan(&r.Time, &r.Kind, &r.EntityID, &reqID, &reqName, &text, &instr, &reason, &r.Dropped); err != nil {
			return nil, err
		}
		r.RequesterID = reqID.String
		r.RequesterName = reqName.String
		r.Text = text.String
		r.Instruction = instr.String
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}
