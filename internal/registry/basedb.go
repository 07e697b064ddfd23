// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package registry implements the persistent folder registry: a global
// list of managed folders keyed by absolute path, and — one database per
// folder — a fingerprint table used to detect changes between scans
// without re-hashing unchanged files.
//
// Adapted from the teacher's internal/db/sqlite package: same sqlx +
// embedded-SQL-script + cached-prepared-statement shape (basedb.go,
// schema.go, kv.go, prepared.go), rebuilt around the folder/fingerprint
// schema instead of syncthing's BEP file index.
package registry

import (
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/*.sql
var embedded embed.FS

const currentSchemaVersion = 1

// baseDB is the common sqlx wrapper shared by the global folder store and
// each per-folder fingerprint database.
type baseDB struct {
	path     string
	baseName string
	sql      *sqlx.DB

	updateLock sync.Mutex

	statementsMut sync.RWMutex
	statements    map[string]*sqlx.Stmt
}

//nolint:noctx
func openBase(path string, maxConns int) (*baseDB, error) {
	logOpen(path)

	pathURL := url.URL{
		Scheme:   "file",
		Path:     fileToURIPath(path),
		RawQuery: commonOptions,
	}
	sqlDB, err := sqlx.Open(dbDriver, pathURL.String())
	if err != nil {
		return nil, wrap(err)
	}
	sqlDB.SetMaxOpenConns(maxConns)

	for _, pragma := range []string{
		"journal_mode = WAL",
		"synchronous = NORMAL",
		"foreign_keys = ON",
	} {
		if _, err := sqlDB.Exec("PRAGMA " + pragma); err != nil {
			return nil, wrap(err, "PRAGMA "+pragma)
		}
	}

	db := &baseDB{
		path:       path,
		baseName:   filepath.Base(path),
		sql:        sqlDB,
		statements: make(map[string]*sqlx.Stmt),
	}

	if err := db.runScript("sql/schema.sql"); err != nil {
		return nil, wrap(err)
	}
	if err := db.setAppliedSchemaVersion(currentSchemaVersion); err != nil {
		return nil, wrap(err)
	}

	return db, nil
}

func fileToURIPath(path string) string {
	path = filepath.ToSlash(path)
	if strings.HasPrefix(path, "//") && !strings.HasPrefix(path, "///") {
		path = "/" + path
	}
	return path
}

func (s *baseDB) Close() error {
	s.updateLock.Lock()
	s.statementsMut.Lock()
	defer s.updateLock.Unlock()
	defer s.statementsMut.Unlock()
	for _, stmt := range s.statements {
		stmt.Close()
	}
	return wrap(s.sql.Close())
}

// stmt returns a cached prepared statement for the given SQL string.
func (s *baseDB) stmt(query string) stmt {
	query = strings.TrimSpace(query)

	s.statementsMut.RLock()
	st, ok := s.statements[query]
	s.statementsMut.RUnlock()
	if ok {
		return st
	}

	s.statementsMut.Lock()
	defer s.statementsMut.Unlock()
	st, ok = s.statements[query]
	if ok {
		return st
	}

	st, err := s.sql.Preparex(query)
	if err != nil {
		return failedStmt{err}
	}
	s.statements[query] = st
	return st
}

type stmt interface {
	Exec(args ...any) (sql.Result, error)
	Get(dest any, args ...any) error
	Queryx(args ...any) (*sqlx.Rows, error)
	Select(dest any, args ...any) error
}

type failedStmt struct{ err error }

func (f failedStmt) Exec(_ ...any) (sql.Result, error)   { return nil, f.err }
func (f failedStmt) Get(_ any, _ ...any) error           { return f.err }
func (f failedStmt) Queryx(_ ...any) (*sqlx.Rows, error) { return nil, f.err }
func (f failedStmt) Select(_ any, _ ...any) error        { return f.err }

//nolint:noctx
func (s *baseDB) runScript(name string) error {
	tx, err := s.sql.Begin()
	if err != nil {
		return wrap(err)
	}
	defer tx.Rollback() //nolint:errcheck

	bs, err := fs.ReadFile(embedded, name)
	if err != nil {
		return wrap(err, name)
	}
	// SQLite requires one statement per Exec call; scripts separate
	// statements with a line containing only a semicolon.
	for _, s := range strings.Split(string(bs), "\n;") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		if _, err := tx.Exec(s); err != nil {
			return wrap(err, s)
		}
	}
	return wrap(tx.Commit())
}

type schemaVersion struct {
	SchemaVersion int   `db:"schemaversion"`
	AppliedAt     int64 `db:"appliedat"`
}

func (v schemaVersion) AppliedTime() time.Time { return time.Unix(0, v.AppliedAt) }

func (s *baseDB) setAppliedSchemaVersion(ver int) error {
	_, err := s.stmt(`
		INSERT OR IGNORE INTO schemamigrations (schema_version, applied_at)
		VALUES (?, ?)
	`).Exec(ver, time.Now().UnixNano())
	return wrap(err)
}

func (s *baseDB) getAppliedSchemaVersion() (schemaVersion, error) {
	var v schemaVersion
	err := s.stmt(`
		SELECT schema_version as schemaversion, applied_at as appliedat FROM schemamigrations
		ORDER BY schema_version DESC
		LIMIT 1
	`).Get(&v)
	return v, wrap(err)
}

func logOpen(path string) {
	slog.Debug("Opening registry database", "path", path)
}
