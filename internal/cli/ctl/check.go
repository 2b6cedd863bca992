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
	"io"
	"os"

	mailflowcli "github.com/foxcpp/mailflow/internal/cli"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/urfave/cli/v2"
)

func init() {
	mailflowcli.AddSubcommand(&cli.Command{
		Name:  "check-config",
		Usage: "Build the router from the configuration file and print its stages",
		Description: `Tables and repositories are opened and every condition and action is
created the same way 'run' does, so errors reported here would prevent the
server from starting. Nothing is routed.`,
		Flags: []cli.Flag{
			debugFlag,
			&cli.BoolFlag{
				Name:    "quiet",
				Aliases: []string{"q"},
				Usage:   "do not print stages",
			},
		},
		Action: checkConfig,
	})
}

func checkConfig(ctx *cli.Context) error {
	srv, closeSrv, err := openServer(ctx)
	if err != nil {
		return err
	}
	defer closeSrv()

	if !ctx.Bool("quiet") {
		printTable(os.Stdout, srv.Table())
	}
	fmt.Fprintln(os.Stderr, "configuration is valid")
	return nil
}

func printTable(w io.Writer, t *router.Table) {
	fmt.Fprintf(w, "entry state: %s\n", t.EntryState())
	fmt.Fprintf(w, "error state: %s\n", t.ErrorState())
	for _, s := range t.Stages() {
		fallthroughTo := s.Fallthrough()
		if fallthroughTo == "" {
			fallthroughTo = "(default)"
		}
		fmt.Fprintf(w, "\nstage %s (fallthrough: %s)\n", s.Name(), fallthroughTo)
		for i, p := range s.Pairs() {
			cond := p.ConditionName
			if cond == "" {
				cond = "All"
			}
			fmt.Fprintf(w, "  %2d. %s -> %s", i+1, cond, p.ActionName)
			if p.Next != "" {
				fmt.Fprintf(w, " (next: %s)", p.Next)
			}
			fmt.Fprintln(w)
		}
	}
}
