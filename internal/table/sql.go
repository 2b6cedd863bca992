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

package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxcpp/mailflow/internal/storage/sqldb"
)

// SQL looks up values using a query with a single placeholder for the key.
type SQL struct {
	name   string
	db     *sqldb.DB
	lookup *sql.Stmt
}

func NewSQL(name, driver, dsn, query string, init []string) (*SQL, error) {
	db, err := sqldb.Open(driver, dsn, init...)
	if err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}
	lookup, err := db.Prepare(db.Rebind(query))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("table %s: failed to prepare lookup query: %w", name, err)
	}

	// modernc.org/sqlite compiles statements on first use.
	if err := checkQuery(lookup); err != nil {
		lookup.Close()
		db.Close()
		return nil, fmt.Errorf("table %s: lookup query failed: %w", name, err)
	}
	return &SQL{name: name, db: db, lookup: lookup}, nil
}

func checkQuery(stmt *sql.Stmt) error {
	rows, err := stmt.Query("")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

func (s *SQL) Close() error {
	s.lookup.Close()
	return s.db.Close()
}

func (s *SQL) Lookup(ctx context.Context, key string) (string, bool, error) {
	var repl sql.NullString
	row := s.lookup.QueryRowContext(ctx, key)
	if err := row.Scan(&repl); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("table %s: lookup %s: %w", s.name, key, err)
	}
	return repl.String, true, nil
}

func (s *SQL) LookupMulti(ctx context.Context, key string) ([]string, error) {
	rows, err := s.lookup.QueryContext(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("table %s: lookup %s: %w", s.name, key, err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var repl sql.NullString
		if err := rows.Scan(&repl); err != nil {
			return nil, fmt.Errorf("table %s: lookup %s: %w", s.name, key, err)
		}
		res = append(res, repl.String)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("table %s: lookup %s: %w", s.name, key, err)
	}
	return res, nil
}
