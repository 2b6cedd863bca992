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

// Package ctl implements the maintenance subcommands: configuration checks,
// one-off routing and repository management.
package ctl

import (
	"fmt"

	"github.com/foxcpp/mailflow"
	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/hooks"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/internal/repository"
	"github.com/urfave/cli/v2"
)

func readConfig(ctx *cli.Context) (*config.File, error) {
	cfgPath := ctx.Path("config")
	if cfgPath == "" {
		return nil, cli.Exit("Error: config is required", 2)
	}
	cfg, err := mailflow.ReadConfig(cfgPath, ctx.Bool("debug"))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("Error: failed to read config: %v", err), 2)
	}
	return cfg, nil
}

// openServer builds the router and the spool without starting endpoints.
// The returned function must be called to release resources, it waits for
// mail submitted in the background.
func openServer(ctx *cli.Context) (*mailflow.Server, func(), error) {
	cfg, err := readConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	srv, err := mailflow.NewServer(cfg, log.DefaultLogger)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	return srv, func() {
		srv.Close()
		hooks.RunHooks(hooks.EventShutdown)
	}, nil
}

// openRepository opens only the named repository.
func openRepository(ctx *cli.Context, name string) (*repository.Repository, error) {
	cfg, err := readConfig(ctx)
	if err != nil {
		return nil, err
	}
	for _, rc := range cfg.Repositories {
		if rc.Name != name {
			continue
		}
		repo, err := repository.New(rc, cfg.StateDir, log.DefaultLogger.Sublogger("repository/"+name))
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Error: %v", err), 2)
		}
		return repo, nil
	}
	return nil, cli.Exit(fmt.Sprintf("Error: unknown repository: %s", name), 2)
}

var debugFlag = &cli.BoolFlag{
	Name:  "debug",
	Usage: "enable debug logging",
}
