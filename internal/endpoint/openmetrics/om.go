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

// Package openmetrics exposes collected metrics over HTTP.
package openmetrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const modName = "openmetrics"

type Endpoint struct {
	addr   string
	logger log.Logger

	listenersWg sync.WaitGroup
	serv        http.Server
	listener    net.Listener
}

// New creates the endpoint serving metrics from gatherer on /metrics.
func New(cfg config.OpenMetrics, gatherer prometheus.Gatherer, logger log.Logger) (*Endpoint, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("%s: listen address is required", modName)
	}
	if logger.Name == "" {
		logger.Name = modName
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:          logger,
		EnableOpenMetrics: true,
	}))

	e := &Endpoint{
		addr:   cfg.Listen,
		logger: logger,
	}
	e.serv.Handler = mux
	e.serv.ErrorLog = zap.NewStdLog(logger.Zap())
	return e, nil
}

func (e *Endpoint) Listen() error {
	l, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("%s: %v", modName, err)
	}
	e.listener = l

	e.listenersWg.Add(1)
	go func() {
		defer e.listenersWg.Done()
		e.logger.Println("listening on", l.Addr().String())
		err := e.serv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("serve failed", err, "endpoint", e.addr)
		}
	}()
	return nil
}

// Addr returns the address of the bound listener.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

func (e *Endpoint) Name() string {
	return modName
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenersWg.Wait()
	return nil
}
