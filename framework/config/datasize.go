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

package config

import (
	"errors"
	"strconv"
	"strings"
	"unicode"
)

// ParseDataSize parses a size such as "10M", "1G 512M" or "100" (bytes).
// Supported suffixes are G, M, K and B.
func ParseDataSize(s string) (int, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, errors.New("missing a number")
	}

	total := 0
	for _, field := range fields {
		end := strings.IndexFunc(field, func(ch rune) bool { return !unicode.IsDigit(ch) })
		if end == 0 {
			return 0, errors.New("missing a number before " + field)
		}
		digits, suffix := field, ""
		if end != -1 {
			digits, suffix = field[:end], field[end:]
		}

		num, err := strconv.Atoi(digits)
		if err != nil {
			return 0, err
		}

		switch suffix {
		case "G":
			total += num * 1024 * 1024 * 1024
		case "M":
			total += num * 1024 * 1024
		case "K":
			total += num * 1024
		case "B", "b", "":
			total += num
		default:
			return 0, errors.New("unknown unit suffix: " + suffix)
		}
	}

	return total, nil
}
