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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/address"
	"github.com/foxcpp/mailflow/framework/buffer"
	"github.com/foxcpp/mailflow/framework/mail"
	mailflowcli "github.com/foxcpp/mailflow/internal/cli"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/urfave/cli/v2"
)

func init() {
	mailflowcli.AddSubcommand(&cli.Command{
		Name:      "route",
		Usage:     "Route a message file through the configured stages",
		ArgsUsage: "FILE",
		Description: `The message is read from FILE (or stdin if FILE is "-") and routed the
same way mail accepted over SMTP is. Actions are executed for real: use a
configuration with side-effect free actions to experiment.

Resulting fragments are printed once routing is done.`,
		Flags: []cli.Flag{
			debugFlag,
			&cli.StringFlag{
				Name:  "from",
				Usage: "envelope sender, empty for the null sender",
			},
			&cli.StringSliceFlag{
				Name:     "rcpt",
				Usage:    "envelope recipient, can be repeated",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "state",
				Usage: "state to start in, defaults to the router entry state",
			},
		},
		Action: routeMessage,
	})
}

func readMessage(path string) (textproto.Header, buffer.Buffer, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return textproto.Header{}, nil, err
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, fmt.Errorf("malformed message header: %w", err)
	}
	body, err := buffer.InMemory(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}

func routeMessage(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("Error: FILE is required", 2)
	}
	from := ctx.String("from")
	if from != "" && !address.Valid(from) {
		return cli.Exit(fmt.Sprintf("Error: malformed sender: %s", from), 2)
	}
	rcpts := ctx.StringSlice("rcpt")
	for _, rcpt := range rcpts {
		if !address.Valid(rcpt) {
			return cli.Exit(fmt.Sprintf("Error: malformed recipient: %s", rcpt), 2)
		}
	}

	hdr, body, err := readMessage(ctx.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	srv, closeSrv, err := openServer(ctx)
	if err != nil {
		return err
	}
	defer closeSrv()

	m := mail.New(from, rcpts, hdr, body)
	m.State = ctx.String("state")
	m.RemoteAddr = "cli"

	res, err := srv.Spool().Route(ctx.Context, m)
	if err != nil {
		return err
	}
	srv.Spool().KeepAborted(res)

	printResult(os.Stdout, res)
	return nil
}

func printResult(w io.Writer, res router.Result) {
	fmt.Fprintf(w, "%s: %d fragment(s)\n", res.Name, len(res.Fragments))
	for _, f := range res.Fragments {
		fmt.Fprintf(w, "  %s\t%s\tstate=%s\thops=%d\t%s\n",
			f.Mail.Name, f.Disposition, f.Mail.State, f.Hops, strings.Join(f.Mail.Rcpts, ","))
		if f.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", f.Err)
		}
	}
}
