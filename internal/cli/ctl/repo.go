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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	mailflowcli "github.com/foxcpp/mailflow/internal/cli"
	"github.com/foxcpp/mailflow/internal/cli/clitools"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func init() {
	mailflowcli.AddSubcommand(&cli.Command{
		Name:  "repo",
		Usage: "Inspect and reprocess mail kept in repositories",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "List stored mail",
				ArgsUsage: "REPOSITORY",
				Flags:     []cli.Flag{debugFlag},
				Action:    repoList,
			},
			{
				Name:      "show",
				Usage:     "Print the envelope and the message",
				ArgsUsage: "REPOSITORY KEY",
				Flags:     []cli.Flag{debugFlag},
				Action:    repoShow,
			},
			{
				Name:      "remove",
				Usage:     "Remove stored mail",
				ArgsUsage: "REPOSITORY KEY...",
				Flags: []cli.Flag{
					debugFlag,
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "don't ask for confirmation",
					},
				},
				Action: repoRemove,
			},
			{
				Name:      "reprocess",
				Usage:     "Route stored mail again and remove it from the repository",
				ArgsUsage: "REPOSITORY [KEY...]",
				Description: `Mail is routed starting at --state, or at the router entry state if it is
not set. All stored mail is reprocessed if no keys are given. Fragments
retained again end up in the dead-letter repository under new keys.`,
				Flags: []cli.Flag{
					debugFlag,
					&cli.StringFlag{
						Name:  "state",
						Usage: "state to route the mail to",
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "number of mails routed in parallel",
						Value: 4,
					},
				},
				Action: repoReprocess,
			},
		},
	})
}

func repoList(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.Exit("Error: REPOSITORY is required", 2)
	}
	repo, err := openRepository(ctx, ctx.Args().First())
	if err != nil {
		return err
	}
	defer repo.Close()

	list, err := repo.List(ctx.Context)
	if err != nil {
		return err
	}
	printList(os.Stdout, list)
	return nil
}

func printList(w io.Writer, list []module.StoredMail) {
	for _, sm := range list {
		sender := sm.Sender
		if sender == "" {
			sender = "<>"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s -> %s\tstate=%s\n",
			sm.Key, sm.StoredAt.Format(time.RFC3339), sm.Name, sender, strings.Join(sm.Rcpts, ","), sm.State)
		if sm.Error != "" {
			fmt.Fprintf(w, "\terror: %s\n", sm.Error)
		}
	}
	fmt.Fprintf(w, "%d mail(s)\n", len(list))
}

func repoShow(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.Exit("Error: REPOSITORY and KEY are required", 2)
	}
	repo, err := openRepository(ctx, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer repo.Close()

	m, err := repo.Retrieve(ctx.Context, ctx.Args().Get(1))
	if err != nil {
		if errors.Is(err, module.ErrNoSuchMail) {
			return cli.Exit("Error: no such mail", 2)
		}
		return err
	}
	return printMail(os.Stdout, m)
}

func printMail(w io.Writer, m *mail.Mail) error {
	sender := m.Sender
	if sender == "" {
		sender = "<>"
	}
	fmt.Fprintln(w, "Name:", m.Name)
	fmt.Fprintln(w, "Sender:", sender)
	fmt.Fprintln(w, "Recipients:", strings.Join(m.Rcpts, ", "))
	fmt.Fprintln(w, "State:", m.State)
	if m.Err != nil {
		fmt.Fprintln(w, "Error:", m.Err)
	}
	if m.RemoteAddr != "" {
		fmt.Fprintln(w, "Remote address:", m.RemoteAddr)
	}
	fmt.Fprintln(w, "Received:", m.Received.Format(time.RFC1123Z))
	for _, name := range m.AttrNames() {
		v, _ := m.Attr(name)
		fmt.Fprintf(w, "Attribute %s: %v\n", name, v)
	}
	fmt.Fprintln(w)

	if err := textproto.WriteHeader(w, m.Header); err != nil {
		return err
	}
	if m.Body == nil {
		return nil
	}
	body, err := m.Body.Open()
	if err != nil {
		return err
	}
	defer body.Close()
	_, err = io.Copy(w, body)
	return err
}

func repoRemove(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return cli.Exit("Error: REPOSITORY and at least one KEY are required", 2)
	}
	repo, err := openRepository(ctx, ctx.Args().First())
	if err != nil {
		return err
	}
	defer repo.Close()

	keys := ctx.Args().Tail()
	if !ctx.Bool("yes") {
		if !clitools.Confirmation(fmt.Sprintf("Remove %d mail(s) from %s?", len(keys), repo.Name()), false) {
			return errors.New("cancelled")
		}
	}

	for _, key := range keys {
		if err := repo.Remove(ctx.Context, key); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func repoReprocess(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.Exit("Error: REPOSITORY is required", 2)
	}
	srv, closeSrv, err := openServer(ctx)
	if err != nil {
		return err
	}
	defer closeSrv()

	repo, err := srv.Repository(ctx.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}

	keys := ctx.Args().Tail()
	if len(keys) == 0 {
		list, err := repo.List(ctx.Context)
		if err != nil {
			return err
		}
		for _, sm := range list {
			keys = append(keys, sm.Key)
		}
	}

	state := ctx.String("state")
	if state == "" {
		state = srv.Table().EntryState()
	}

	g, gctx := errgroup.WithContext(ctx.Context)
	g.SetLimit(ctx.Int("concurrency"))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return reprocessOne(gctx, srv.Spool(), repo, key, state)
		})
	}
	return g.Wait()
}

// spooler is implemented by *spool.Spool.
type spooler interface {
	Route(ctx context.Context, m *mail.Mail) (router.Result, error)
	KeepAborted(res router.Result)
}

func reprocessOne(ctx context.Context, sp spooler, repo module.Repository, key, state string) error {
	m, err := repo.Retrieve(ctx, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	m.State = state
	m.Err = nil

	res, err := sp.Route(ctx, m)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if res.Count(router.Aborted) == len(res.Fragments) {
		return fmt.Errorf("%s: routing aborted", key)
	}
	sp.KeepAborted(res)

	if err := repo.Remove(ctx, key); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	fmt.Printf("%s: %d fragment(s), %d disposed\n", key, len(res.Fragments), res.Count(router.Disposed))
	return nil
}
