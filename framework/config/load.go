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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/foxcpp/mailflow/framework/log"
)

const (
	DefaultMaxHops = 32
	DefaultWorkers = 16
)

// Load reads and validates the configuration file at path. Unknown keys are
// reported to logger but are not fatal.
func Load(path string, logger log.Logger) (*File, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return finish(&f, md, logger)
}

// Parse is Load for an in-memory document.
func Parse(text string, logger log.Logger) (*File, error) {
	var f File
	md, err := toml.Decode(text, &f)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return finish(&f, md, logger)
}

func finish(f *File, md toml.MetaData, logger log.Logger) (*File, error) {
	for _, key := range md.Undecoded() {
		// params tables are decoded later by their owners.
		if isParamsKey(key) {
			continue
		}
		logger.Msg("unknown configuration key", "key", key.String())
	}

	applyDefaults(f)
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func isParamsKey(key toml.Key) bool {
	for _, part := range key {
		if part == "params" {
			return true
		}
	}
	return false
}

func applyDefaults(f *File) {
	if f.Hostname == "" {
		f.Hostname, _ = os.Hostname()
	}
	if f.StateDir == "" {
		f.StateDir = "/var/lib/mailflow"
	}
	if len(f.Log) == 0 {
		f.Log = []string{"stderr"}
	}
	if f.Router.EntryState == "" {
		f.Router.EntryState = "root"
	}
	if f.Router.ErrorState == "" {
		f.Router.ErrorState = "error"
	}
	if f.Router.MaxHops == 0 {
		f.Router.MaxHops = DefaultMaxHops
	}
	if f.Router.Workers == 0 {
		f.Router.Workers = DefaultWorkers
	}
	for i := range f.SMTP {
		if f.SMTP[i].State == "" {
			f.SMTP[i].State = f.Router.EntryState
		}
		if f.SMTP[i].Domain == "" {
			f.SMTP[i].Domain = f.Hostname
		}
	}
}

func (f *File) validate() error {
	if f.Router.MaxHops < 0 {
		return errors.New("config: router: max_hops must not be negative")
	}
	if f.Router.Workers < 0 {
		return errors.New("config: router: workers must not be negative")
	}
	if len(f.Router.Stages) == 0 {
		return errors.New("config: router: at least one stage is required")
	}
	for i, stage := range f.Router.Stages {
		if stage.Name == "" {
			return fmt.Errorf("config: router: stage %d: missing name", i+1)
		}
		for j, rule := range stage.Rules {
			if rule.Match != "" && rule.NotMatch != "" {
				return fmt.Errorf("config: stage %s: rule %d: match and notmatch are mutually exclusive", stage.Name, j+1)
			}
			if rule.Action == "" {
				return fmt.Errorf("config: stage %s: rule %d: missing action", stage.Name, j+1)
			}
		}
		for _, cond := range stage.Conditions {
			if err := validateCondition(stage.Name, cond, true); err != nil {
				return err
			}
		}
	}

	seen := make(map[string]string)
	for _, t := range f.Tables {
		if err := checkName(seen, "table", t.Name); err != nil {
			return err
		}
		switch t.Type {
		case "static":
		case "file":
			if t.File == "" {
				return fmt.Errorf("config: table %s: file is required", t.Name)
			}
		case "regexp":
			if t.Regexp == "" {
				return fmt.Errorf("config: table %s: regexp is required", t.Name)
			}
		case "sql":
			if t.Driver == "" || t.DSN == "" || t.Query == "" {
				return fmt.Errorf("config: table %s: driver, dsn and query are required", t.Name)
			}
		default:
			return fmt.Errorf("config: table %s: unknown type: %q", t.Name, t.Type)
		}
	}
	tables := seen
	seen = make(map[string]string)
	for _, r := range f.Repositories {
		if err := checkName(seen, "repository", r.Name); err != nil {
			return err
		}
		if r.Driver == "" || r.DSN == "" {
			return fmt.Errorf("config: repository %s: driver and dsn are required", r.Name)
		}
	}
	if f.Router.DeadLetter != "" {
		if _, ok := seen[f.Router.DeadLetter]; !ok {
			return fmt.Errorf("config: router: dead_letter: unknown repository %q", f.Router.DeadLetter)
		}
	}
	for _, sc := range f.SMTP {
		if err := validateSMTP(sc, tables); err != nil {
			return err
		}
	}
	return nil
}

func validateSMTP(sc SMTP, tables map[string]string) error {
	name := "config: smtp " + strings.Join(sc.Listen, ",")
	if sc.TLS != nil {
		if len(sc.TLS.Certs) != len(sc.TLS.Keys) {
			return fmt.Errorf("%s: tls: mismatch in certs and keys count", name)
		}
		if sc.TLS.SelfSigned == (len(sc.TLS.Certs) != 0) {
			return fmt.Errorf("%s: tls: either certs or self_signed is required", name)
		}
	}
	if sc.AuthTable != "" {
		if _, ok := tables[sc.AuthTable]; !ok {
			return fmt.Errorf("%s: auth_table: unknown table %q", name, sc.AuthTable)
		}
		if sc.LMTP {
			return fmt.Errorf("%s: auth_table: AUTH is not supported for LMTP", name)
		}
	}
	for _, l := range sc.Limits {
		switch l.Scope {
		case "all", "ip", "source":
		default:
			return fmt.Errorf("%s: limit: unknown scope: %q", name, l.Scope)
		}
		switch l.Kind {
		case "rate":
			if l.Burst <= 0 {
				return fmt.Errorf("%s: limit: burst must be positive", name)
			}
			if l.Period != "" {
				if _, err := time.ParseDuration(l.Period); err != nil {
					return fmt.Errorf("%s: limit: period: %w", name, err)
				}
			}
		case "concurrency":
			if l.Max <= 0 {
				return fmt.Errorf("%s: limit: max must be positive", name)
			}
		default:
			return fmt.Errorf("%s: limit: unknown kind: %q", name, l.Kind)
		}
	}
	return nil
}

func validateCondition(stage string, cond Condition, named bool) error {
	if named && cond.Name == "" {
		return fmt.Errorf("config: stage %s: named condition without a name", stage)
	}
	if (cond.Match == "") == (cond.NotMatch == "") {
		return fmt.Errorf("config: stage %s: condition %s: exactly one of match and notmatch is required", stage, cond.Name)
	}
	for _, child := range cond.Conditions {
		if err := validateCondition(stage, child, false); err != nil {
			return err
		}
	}
	return nil
}

func checkName(seen map[string]string, kind, name string) error {
	if name == "" {
		return fmt.Errorf("config: %s without a name", kind)
	}
	if strings.ContainsAny(name, " \t/") {
		return fmt.Errorf("config: %s %q: invalid name", kind, name)
	}
	if _, ok := seen[name]; ok {
		return fmt.Errorf("config: duplicate %s: %s", kind, name)
	}
	seen[name] = kind
	return nil
}
