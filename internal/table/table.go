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

// Package table implements the lookup tables used by conditions.
package table

import (
	"fmt"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/module"
)

// New creates the table described by cfg.
func New(cfg config.Table, logger log.Logger) (module.Table, error) {
	switch cfg.Type {
	case "static":
		return NewStatic(cfg.Entries), nil
	case "file":
		return NewFile(cfg.File, logger.Sublogger("table/"+cfg.Name))
	case "regexp":
		return NewRegexp(cfg.Regexp, cfg.Replacement, cfg.FullMatch, cfg.CaseInsensitive)
	case "sql":
		return NewSQL(cfg.Name, cfg.Driver, cfg.DSN, cfg.Query, cfg.Init)
	}
	return nil, fmt.Errorf("table %s: unknown type: %s", cfg.Name, cfg.Type)
}
