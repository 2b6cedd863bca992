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

// Package mailflow wires the routing engine, the spool and the endpoints
// into a server and implements the 'run' subcommand.
package mailflow

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/hooks"
	"github.com/foxcpp/mailflow/framework/log"
	mailflowcli "github.com/foxcpp/mailflow/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	mailflowcli.AddSubcommand(&cli.Command{
		Name:  "run",
		Usage: "Start the server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging early",
			},
			&cli.StringFlag{
				Name:  "debug.pprof",
				Usage: "enable live profiler HTTP endpoint and listen on the specified address",
			},
		},
		Action: Run,
	})
}

// ReadConfig loads the configuration file and sets up the default logger
// according to it.
func ReadConfig(path string, debug bool) (*config.File, error) {
	log.DefaultLogger.Debug = debug

	cfg, err := config.Load(path, log.DefaultLogger)
	if err != nil {
		return nil, err
	}

	out, err := LogOutput(cfg.Log)
	if err != nil {
		return nil, err
	}
	log.DefaultLogger.Out = out
	log.DefaultLogger.Debug = debug || cfg.Debug
	return cfg, nil
}

// Run is the entry point of the 'run' subcommand. It starts the server and
// blocks until a termination signal is received.
func Run(c *cli.Context) error {
	cfgPath := c.Path("config")

	cfg, err := ReadConfig(cfgPath, c.Bool("debug"))
	if err != nil {
		systemdStatusErr(err)
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	if err := ensureDirectoryWritable(cfg.StateDir); err != nil {
		systemdStatusErr(err)
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	initDebug(c.String("debug.pprof"))

	log.Println("mailflow", BuildInfo())

	srv, err := NewServer(cfg, log.DefaultLogger)
	if err != nil {
		systemdStatusErr(err)
		return err
	}
	if err := srv.Listen(cfg); err != nil {
		systemdStatusErr(err)
		srv.Close()
		return err
	}

	hooks.AddHook(hooks.EventReload, func() {
		reload(srv, cfgPath)
	})

	systemdStatus(SDReady, "Listening for incoming connections...")

	handleSignals()

	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	hooks.RunHooks(hooks.EventShutdown)
	srv.Close()
	return log.DefaultLogger.Out.Close()
}

func reload(srv *Server, cfgPath string) {
	systemdStatus(SDReloading, "Reloading configuration...")
	defer systemdStatus(SDReady, "Listening for incoming connections...")

	cfg, err := config.Load(cfgPath, log.DefaultLogger)
	if err != nil {
		log.DefaultLogger.Error("failed to read configuration, keeping the running one", err)
		return
	}
	if err := srv.Reload(cfg); err != nil {
		log.DefaultLogger.Error("failed to reload configuration, keeping the running one", err)
	}
}

func initDebug(profileEndpoint string) {
	if profileEndpoint == "" {
		return
	}
	go func() {
		log.Println("listening on", "http://"+profileEndpoint, "for profiler requests")
		log.Println("failed to listen on profiler endpoint:", http.ListenAndServe(profileEndpoint, nil))
	}()
}

func ensureDirectoryWritable(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	testFile, err := os.Create(filepath.Join(path, "writeable-test"))
	if err != nil {
		return err
	}
	testFile.Close()
	return os.RemoveAll(testFile.Name())
}
