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

package mail

import "github.com/foxcpp/mailflow/framework/address"

// Intersect returns the elements of rcpts that are also in subset, in the
// order of rcpts.
func Intersect(rcpts, subset []string) []string {
	set := make(map[string]struct{}, len(subset))
	for _, r := range subset {
		key, _ := address.ForLookup(r)
		set[key] = struct{}{}
	}

	res := make([]string, 0, len(subset))
	for _, r := range rcpts {
		key, _ := address.ForLookup(r)
		if _, ok := set[key]; ok {
			res = append(res, r)
		}
	}
	return res
}

// Subtract returns the elements of rcpts that are not in subset, in the
// order of rcpts.
func Subtract(rcpts, subset []string) []string {
	set := make(map[string]struct{}, len(subset))
	for _, r := range subset {
		key, _ := address.ForLookup(r)
		set[key] = struct{}{}
	}

	res := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		key, _ := address.ForLookup(r)
		if _, ok := set[key]; !ok {
			res = append(res, r)
		}
	}
	return res
}

// IsSubset reports whether every element of subset is in rcpts.
func IsSubset(rcpts, subset []string) bool {
	return len(Intersect(subset, rcpts)) == len(subset)
}
