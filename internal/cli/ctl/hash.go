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

package ctl

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/foxcpp/mailflow/internal/auth/pass_table"
	mailflowcli "github.com/foxcpp/mailflow/internal/cli"
	"github.com/foxcpp/mailflow/internal/cli/clitools"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	mailflowcli.AddSubcommand(
		&cli.Command{
			Name:  "hash",
			Usage: "Generate password hashes for the SMTP auth_table",
			Description: `The printed value is stored in the table under the user name, e.g.

  alice@example.org = "bcrypt:$2a$10$..."`,
			Action: hashCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "password",
					Aliases: []string{"p"},
					Usage:   "Use `PASSWORD` instead of reading password from stdin\n\t\tWARNING: Provided only for debugging convenience. Don't leave your passwords in shell history!",
				},
				&cli.StringFlag{
					Name:  "hash",
					Usage: "Use specified hash algorithm",
					Value: pass_table.DefaultHash,
				},
				&cli.IntFlag{
					Name:  "bcrypt-cost",
					Usage: "Specify bcrypt cost value",
					Value: pass_table.DefaultHashOpts.BcryptCost,
				},
				&cli.IntFlag{
					Name:  "argon2-time",
					Usage: "Time factor for Argon2id",
					Value: int(pass_table.DefaultHashOpts.Argon2Time),
				},
				&cli.IntFlag{
					Name:  "argon2-memory",
					Usage: "Memory in KiB to use for Argon2id",
					Value: int(pass_table.DefaultHashOpts.Argon2Memory),
				},
				&cli.IntFlag{
					Name:  "argon2-threads",
					Usage: "Threads to use for Argon2id",
					Value: int(pass_table.DefaultHashOpts.Argon2Threads),
				},
			},
		})
}

func hashOpts(ctx *cli.Context) (pass_table.HashOpts, error) {
	opts := pass_table.DefaultHashOpts
	if cost := ctx.Int("bcrypt-cost"); cost > bcrypt.MaxCost {
		return opts, cli.Exit("Error: too big bcrypt cost", 2)
	} else if cost < bcrypt.MinCost {
		return opts, cli.Exit("Error: too small bcrypt cost", 2)
	}
	opts.BcryptCost = ctx.Int("bcrypt-cost")
	opts.Argon2Time = uint32(ctx.Int("argon2-time"))
	opts.Argon2Memory = uint32(ctx.Int("argon2-memory"))
	opts.Argon2Threads = uint8(ctx.Int("argon2-threads"))
	return opts, nil
}

func hashCommand(ctx *cli.Context) error {
	hashFunc := ctx.String("hash")
	if pass_table.HashCompute[hashFunc] == nil {
		funcs := make([]string, 0, len(pass_table.HashCompute))
		for k := range pass_table.HashCompute {
			funcs = append(funcs, k)
		}
		sort.Strings(funcs)
		return cli.Exit(fmt.Sprintf("Error: Unknown hash function, available: %s", strings.Join(funcs, ", ")), 2)
	}

	opts, err := hashOpts(ctx)
	if err != nil {
		return err
	}

	var pass string
	if ctx.IsSet("password") {
		pass = ctx.String("password")
	} else {
		pass, err = clitools.ReadPassword("Password")
		if err != nil {
			return err
		}
	}

	if pass == "" {
		fmt.Fprintln(os.Stderr, "WARNING: This is the hash of an empty string")
	}
	if strings.TrimSpace(pass) != pass {
		fmt.Fprintln(os.Stderr, "WARNING: There is leading/trailing whitespace in the string")
	}

	value, err := pass_table.Hash(hashFunc, opts, pass)
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}
