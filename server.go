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

package mailflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxcpp/mailflow/framework/config"
	"github.com/foxcpp/mailflow/framework/dns"
	"github.com/foxcpp/mailflow/framework/log"
	"github.com/foxcpp/mailflow/framework/mail"
	"github.com/foxcpp/mailflow/framework/module"
	"github.com/foxcpp/mailflow/internal/auth"
	"github.com/foxcpp/mailflow/internal/auth/pass_table"
	"github.com/foxcpp/mailflow/internal/endpoint/openmetrics"
	"github.com/foxcpp/mailflow/internal/endpoint/smtp"
	"github.com/foxcpp/mailflow/internal/repository"
	"github.com/foxcpp/mailflow/internal/router"
	"github.com/foxcpp/mailflow/internal/spool"
	"github.com/foxcpp/mailflow/internal/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	// Built-in conditions and actions.
	_ "github.com/foxcpp/mailflow/internal/action"
	_ "github.com/foxcpp/mailflow/internal/check/dkim"
	_ "github.com/foxcpp/mailflow/internal/check/milter"
	_ "github.com/foxcpp/mailflow/internal/check/spf"
	_ "github.com/foxcpp/mailflow/internal/condition"
	_ "github.com/foxcpp/mailflow/internal/modify/dkim"
)

// Resources are the tables and repositories defined by one configuration
// generation. They are replaced as a whole on reload.
type Resources struct {
	Tables       map[string]module.Table
	Repositories map[string]module.Repository
	Resolver     dns.Resolver

	closers []io.Closer
}

// OpenResources opens tables and repositories defined in cfg.
func OpenResources(cfg *config.File, logger log.Logger) (*Resources, error) {
	res := &Resources{
		Tables:       make(map[string]module.Table, len(cfg.Tables)),
		Repositories: make(map[string]module.Repository, len(cfg.Repositories)),
	}

	for _, tc := range cfg.Tables {
		t, err := table.New(tc, logger.Sublogger("table/"+tc.Name))
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("table %s: %w", tc.Name, err)
		}
		res.Tables[tc.Name] = t
		res.track(t)
	}

	for _, rc := range cfg.Repositories {
		r, err := repository.New(rc, cfg.StateDir, logger.Sublogger("repository/"+rc.Name))
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("repository %s: %w", rc.Name, err)
		}
		res.Repositories[rc.Name] = r
		res.track(r)
	}

	resolver, err := dns.NewResolver(cfg.DNS.Server)
	if err != nil {
		logger.Error("DNS resolver is not available, MX lookups will fail", err)
	} else {
		res.Resolver = resolver
	}

	return res, nil
}

func (r *Resources) track(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		r.closers = append(r.closers, c)
	}
}

// Globals returns the values passed to conditions and actions created for
// this generation.
func (r *Resources) Globals(cfg *config.File, sub module.Submitter, logger log.Logger) *module.Globals {
	return &module.Globals{
		Hostname:     cfg.Hostname,
		StateDir:     cfg.StateDir,
		Logger:       logger,
		Tables:       r.Tables,
		Repositories: r.Repositories,
		Submitter:    sub,
		Resolver:     r.Resolver,
	}
}

// DeadLetter returns the repository named by the router configuration or
// nil if none is set.
func (r *Resources) DeadLetter(cfg config.Router) (module.Repository, error) {
	if cfg.DeadLetter == "" {
		return nil, nil
	}
	repo, ok := r.Repositories[cfg.DeadLetter]
	if !ok {
		return nil, fmt.Errorf("router: unknown dead letter repository: %s", cfg.DeadLetter)
	}
	return repo, nil
}

func (r *Resources) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// submitter forwards mail created by actions to the spool. The spool is
// created after the router table, so it is resolved at call time.
type submitter struct {
	spool atomic.Pointer[spool.Spool]
}

func (s *submitter) Submit(ctx context.Context, m *mail.Mail) error {
	sp := s.spool.Load()
	if sp == nil {
		return spool.ErrClosed
	}
	return sp.Submit(ctx, m)
}

// shutdownTimeout bounds the time Close waits for submitted mail to get a
// worker.
const shutdownTimeout = time.Minute

// generation is the part of the server replaced on reload.
type generation struct {
	res   *Resources
	table *router.Table
}

func (g *generation) close() {
	if g.table != nil {
		g.table.Close()
	}
	if g.res != nil {
		g.res.Close()
	}
}

// Server ties the router, the spool and the endpoints together.
type Server struct {
	log      log.Logger
	registry *prometheus.Registry

	sub     *submitter
	router  *router.Router
	spool   *spool.Spool
	closers []io.Closer
	async   []*router.AsyncListener

	genLck sync.Mutex
	gen    *generation
	// retiring tracks generations replaced on reload that wait for routing
	// in progress before closing.
	retiring sync.WaitGroup
}

func openGeneration(cfg *config.File, sub module.Submitter, logger log.Logger) (*generation, error) {
	res, err := OpenResources(cfg, logger)
	if err != nil {
		return nil, err
	}
	t, err := router.Build(cfg.Router, res.Globals(cfg, sub, logger))
	if err != nil {
		res.Close()
		return nil, err
	}
	if _, err := res.DeadLetter(cfg.Router); err != nil {
		t.Close()
		res.Close()
		return nil, err
	}
	return &generation{res: res, table: t}, nil
}

// NewServer builds the router and the spool from cfg. Endpoints are not
// started until Listen is called.
func NewServer(cfg *config.File, logger log.Logger) (*Server, error) {
	s := &Server{
		log:      logger,
		registry: prometheus.NewRegistry(),
		sub:      &submitter{},
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gen, err := openGeneration(cfg, s.sub, logger)
	if err != nil {
		return nil, err
	}
	s.gen = gen

	metricsListener, err := router.NewMetricsListener(s.registry)
	if err != nil {
		gen.close()
		return nil, err
	}
	listeners := []router.Listener{
		router.LogListener{Log: logger.Sublogger("router")},
		metricsListener,
	}
	if cfg.Router.AsyncListeners > 0 {
		for i, l := range listeners {
			al := router.NewAsyncListener(l, cfg.Router.AsyncListeners)
			s.async = append(s.async, al)
			listeners[i] = al
		}
	}

	s.router = router.New(gen.table, router.Options{
		MaxHops:   cfg.Router.MaxHops,
		Listeners: listeners,
		Log:       logger.Sublogger("router"),
	})

	deadLetter, err := gen.res.DeadLetter(cfg.Router)
	if err != nil {
		s.closeListeners()
		gen.close()
		return nil, err
	}
	s.spool, err = spool.New(s.router, spool.Options{
		Workers:    cfg.Router.Workers,
		DeadLetter: deadLetter,
		Registerer: s.registry,
		Log:        logger.Sublogger("spool"),
	})
	if err != nil {
		s.closeListeners()
		gen.close()
		return nil, err
	}
	s.sub.spool.Store(s.spool)

	return s, nil
}

// Spool returns the spool mail is submitted to.
func (s *Server) Spool() *spool.Spool {
	return s.spool
}

// Repository returns the repository of the running configuration.
func (s *Server) Repository(name string) (module.Repository, error) {
	s.genLck.Lock()
	defer s.genLck.Unlock()

	repo, ok := s.gen.res.Repositories[name]
	if !ok {
		return nil, fmt.Errorf("unknown repository: %s", name)
	}
	return repo, nil
}

// LookupTable returns the table of the running configuration.
func (s *Server) LookupTable(name string) (module.Table, error) {
	s.genLck.Lock()
	defer s.genLck.Unlock()

	t, ok := s.gen.res.Tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table: %s", name)
	}
	return t, nil
}

// tableAuth checks credentials against the password table named name.
// The table is looked up on each attempt so reloads take effect.
type tableAuth struct {
	srv  *Server
	name string
}

func (a tableAuth) AuthPlain(ctx context.Context, username, password string) error {
	t, err := a.srv.LookupTable(a.name)
	if err != nil {
		return err
	}
	return pass_table.New(t).AuthPlain(ctx, username, password)
}

// Table returns the router table in use.
func (s *Server) Table() *router.Table {
	return s.router.Table()
}

// Registry returns the registry metrics of the server are registered in.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Listen starts the endpoints configured in cfg.
func (s *Server) Listen(cfg *config.File) error {
	for _, sc := range cfg.SMTP {
		var authProviders []auth.PlainAuth
		if sc.AuthTable != "" {
			authProviders = append(authProviders, tableAuth{srv: s, name: sc.AuthTable})
		}
		endp, err := smtp.New(sc, smtp.Options{
			Hostname:   cfg.Hostname,
			StateDir:   cfg.StateDir,
			Spool:      s.spool,
			Auth:       authProviders,
			Registerer: prometheus.WrapRegistererWith(prometheus.Labels{"listen": strings.Join(sc.Listen, ",")}, s.registry),
			Log:        s.log.Sublogger("smtp"),
		})
		if err != nil {
			return err
		}
		if err := endp.Listen(); err != nil {
			return err
		}
		s.closers = append(s.closers, endp)
	}

	if cfg.OpenMetrics != nil {
		endp, err := openmetrics.New(*cfg.OpenMetrics, s.registry, s.log.Sublogger("openmetrics"))
		if err != nil {
			return err
		}
		if err := endp.Listen(); err != nil {
			return err
		}
		s.closers = append(s.closers, endp)
	}
	return nil
}

// Reload replaces tables, repositories and the router table with the ones
// defined by cfg. The running generation is kept if the new one fails to
// build. Endpoints, worker count and listeners are not reloaded.
func (s *Server) Reload(cfg *config.File) error {
	s.genLck.Lock()
	defer s.genLck.Unlock()

	gen, err := openGeneration(cfg, s.sub, s.log)
	if err != nil {
		return err
	}

	deadLetter, err := gen.res.DeadLetter(cfg.Router)
	if err != nil {
		gen.close()
		return err
	}
	s.spool.SetDeadLetter(deadLetter)
	s.router.Swap(gen.table)

	old := s.gen
	s.gen = gen
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		// Waits for Route calls that started with the old table.
		old.close()
		s.log.DebugMsg("previous configuration released")
	}()

	s.log.Msg("configuration reloaded", "stages", len(gen.table.Stages()))
	return nil
}

func (s *Server) closeListeners() {
	for _, al := range s.async {
		al.Close()
	}
}

// Close stops endpoints, waits for routing in progress and releases all
// resources.
func (s *Server) Close() error {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Error("failed to close endpoint", err)
		}
	}
	s.closers = nil

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.spool.Shutdown(ctx); err != nil {
		s.log.Error("failed to close spool", err)
	}
	s.retiring.Wait()
	s.closeListeners()

	s.genLck.Lock()
	defer s.genLck.Unlock()
	s.gen.close()
	return nil
}
