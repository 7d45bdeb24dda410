// Package indexdb keeps a SQLite read model of entity lifecycle and behavior
// compile outcomes. It is a secondary index: writes are queued and dropped if
// the writer falls behind; the frame journal remains the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEntity  atomic.Uint64
	dropClaim   atomic.Uint64
	dropCompile atomic.Uint64
}

type reqKind int

const (
	reqEntityCreated reqKind = iota + 1
	reqEntityDeleted
	reqClaim
	reqCompile
)

type req struct {
	kind reqKind

	entity  EntityRow
	claim   claimRow
	compile CompileRow
}

// EntityRow is one entity as last seen by the client.
type EntityRow struct {
	ID         string
	Kind       string
	AssetURL   string
	CreatedAt  string
	DeletedAt  string
	ClaimOwner string
}

type claimRow struct {
	ID    string
	Owner string
	At    string
}

// CompileRow is one behavior compile outcome.
type CompileRow struct {
	EntityID    string
	OK          bool
	Behavior    string
	Diagnostics []string
	At          string
}

type Stats struct {
	QueueDepth       int
	QueueCapacity    int
	DropEntityTotal  uint64
	DropClaimTotal   uint64
	DropCompileTotal uint64
}

var ErrNotFound = errors.New("indexdb: not found")

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
		ch: make(chan req, 4096),
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
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			asset_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			deleted_at TEXT NOT NULL DEFAULT '',
			claim_owner TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS compiles (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			ok INTEGER NOT NULL,
			behavior TEXT NOT NULL,
			diagnostics_json TEXT NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_compiles_entity ON compiles(entity_id, seq);`,
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
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *SQLiteIndex) RecordEntityCreated(id, kind, assetURL string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqEntityCreated, entity: EntityRow{ID: id, Kind: kind, AssetURL: assetURL, CreatedAt: now()}}, &s.dropEntity)
}

func (s *SQLiteIndex) RecordEntityDeleted(id string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqEntityDeleted, entity: EntityRow{ID: id, DeletedAt: now()}}, &s.dropEntity)
}

// RecordClaim stores the current claimant; an empty owner means released.
func (s *SQLiteIndex) RecordClaim(id, owner string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqClaim, claim: claimRow{ID: id, Owner: owner, At: now()}}, &s.dropClaim)
}

func (s *SQLiteIndex) RecordCompile(row CompileRow) {
	if s == nil {
		return
	}
	if row.At == "" {
		row.At = now()
	}
	s.enqueue(req{kind: reqCompile, compile: row}, &s.dropCompile)
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropEntityTotal:  s.dropEntity.Load(),
		DropClaimTotal:   s.dropClaim.Load(),
		DropCompileTotal: s.dropCompile.Load(),
	}
}

func (s *SQLiteIndex) Entity(ctx context.Context, id string) (EntityRow, error) {
	var r EntityRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id,kind,asset_url,created_at,deleted_at,claim_owner FROM entities WHERE id=?`, id,
	).Scan(&r.ID, &r.Kind, &r.AssetURL, &r.CreatedAt, &r.DeletedAt, &r.ClaimOwner)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// Compiles lists the compile outcomes for an entity, oldest first.
func (s *SQLiteIndex) Compiles(ctx context.Context, entityID string) ([]CompileRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id,ok,behavior,diagnostics_json,at FROM compiles WHERE entity_id=? ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CompileRow
	for rows.Next() {
		var (
			r     CompileRow
			ok    int
			diags string
		)
		if err := rows.Scan(&r.EntityID, &ok, &r.Behavior, &diags, &r.At); err != nil {
			return nil, err
		}
		r.OK = ok != 0
		_ = json.Unmarshal([]byte(diags), &r.Diagnostics)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEntity, _ := s.db.Prepare(`INSERT INTO entities(id,kind,asset_url,created_at) VALUES(?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, asset_url=excluded.asset_url, created_at=excluded.created_at, deleted_at='', claim_owner=''`)
	deleteEntity, _ := s.db.Prepare(`UPDATE entities SET deleted_at=? WHERE id=?`)
	updateClaim, _ := s.db.Prepare(`UPDATE entities SET claim_owner=? WHERE id=?`)
	insertCompile, _ := s.db.Prepare(`INSERT INTO compiles(entity_id,ok,behavior,diagnostics_json,at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertEntity, deleteEntity, updateClaim, insertCompile} {
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
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEntityCreated:
			e := r.entity
			exec(insertEntity, e.ID, e.Kind, e.AssetURL, e.CreatedAt)
		case reqEntityDeleted:
			exec(deleteEntity, r.entity.DeletedAt, r.entity.ID)
		case reqClaim:
			exec(updateClaim, r.claim.Owner, r.claim.ID)
		case reqCompile:
			c := r.compile
			diags, _ := json.Marshal(c.Diagnostics)
			if c.Diagnostics == nil {
				diags = []byte("[]")
			}
			ok := 0
			if c.OK {
				ok = 1
			}
			exec(insertCompile, c.EntityID, ok, c.Behavior, string(diags), c.At)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
