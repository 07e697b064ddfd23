// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package registry

import "github.com/jmoiron/sqlx"

// txPreparedStmts caches prepared statements within the lifetime of a
// single transaction, mirroring the teacher's db_prepared.go.
type txPreparedStmts struct {
	*sqlx.Tx
	stmts map[string]*sqlx.Stmt
}

func (p *txPreparedStmts) Preparex(query string) (*sqlx.Stmt, error) {
	if p.stmts == nil {
		p.stmts = make(map[string]*sqlx.Stmt)
	}
	if st, ok := p.stmts[query]; ok {
		return st, nil
	}
	st, err := p.Tx.Preparex(query)
	if err != nil {
		return nil, wrap(err)
	}
	p.stmts[query] = st
	return st, nil
}

func (p *txPreparedStmts) Commit() error {
	p.closeStmts()
	return p.Tx.Commit()
}

func (p *txPreparedStmts) Rollback() error {
	p.closeStmts()
	return p.Tx.Rollback()
}

func (p *txPreparedStmts) closeStmts() {
	for _, st := range p.stmts {
		st.Close()
	}
	p.stmts = nil
}
