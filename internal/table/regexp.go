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
	"fmt"
	"regexp"
	"strings"
)

// Regexp maps keys matching a regular expression to the replacement
// string. $1-style placeholders in the replacement are expanded.
type Regexp struct {
	re          *regexp.Regexp
	replacement string
}

func NewRegexp(expr, replacement string, fullMatch, caseInsensitive bool) (*Regexp, error) {
	if fullMatch {
		if !strings.HasPrefix(expr, "^") {
			expr = "^" + expr
		}
		if !strings.HasSuffix(expr, "$") {
			expr = expr + "$"
		}
	}
	if caseInsensitive {
		expr = "(?i)" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("table: %w", err)
	}
	return &Regexp{re: re, replacement: replacement}, nil
}

func (r *Regexp) Lookup(_ context.Context, key string) (string, bool, error) {
	matches := r.re.FindStringSubmatchIndex(key)
	if matches == nil {
		return "", false, nil
	}
	return string(r.re.ExpandString(nil, r.replacement, key, matches)), true, nil
}
