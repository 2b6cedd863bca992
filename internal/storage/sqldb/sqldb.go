/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package sqldb opens SQL databases used by tables and mail repositories
// and hides the differences between supported drivers.
//
// Supported drivers:
//   - sqlite3 (github.com/mattn/go-sqlite3 when built with cgo, otherwise
//     modernc.org/sqlite)
//   - sqlite (modernc.org/sqlite, pure Go)
//   - postgres (github.com/lib/pq)
//   - mysql (github.com/go-sql-driver/mysql)
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
	DialectMySQL
)

// DB is a database handle together with its dialect.
type DB struct {
	*sql.DB
	Driver  string
	Dialect Dialect
}

// Open opens the database using the named driver. Init queries are
// executed once after opening.
func Open(driver, dsn string, init ...string) (*DB, error) {
	var dialect Dialect
	switch driver {
	case "sqlite3":
		if !cgoSQLite {
			driver = "sqlite"
		}
		dialect = DialectSQLite
	case "sqlite":
		dialect = DialectSQLite
	case "postgres":
		dialect = DialectPostgres
	case "mysql":
		dialect = DialectMySQL
	default:
		return nil, fmt.Errorf("sqldb: unsupported driver: %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLite does not handle concurrent writers well and each
		// connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	for _, q := range init {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqldb: init query failed: %w", err)
		}
	}

	return &DB{DB: db, Driver: driver, Dialect: dialect}, nil
}

// Rebind replaces '?' placeholders with the ones used by the dialect.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 10)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InTx runs fn in a transaction. The transaction is committed if fn returns
// nil and rolled back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
