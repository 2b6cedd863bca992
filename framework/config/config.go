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

// Package config loads the mailflow configuration file.
//
// The file is TOML. Stage rules carry free-form "params" tables that are
// decoded into typed structures by the component that owns them, see
// DecodeParams.
package config

// File is the top-level configuration document.
type File struct {
	Hostname string   `toml:"hostname"`
	StateDir string   `toml:"state_dir"`
	Debug    bool     `toml:"debug"`
	Log      []string `toml:"log"`

	DNS          DNS          `toml:"dns"`
	Router       Router       `toml:"router"`
	Tables       []Table      `toml:"table"`
	Repositories []Repository `toml:"repository"`
	SMTP         []SMTP       `toml:"smtp"`
	OpenMetrics  *OpenMetrics `toml:"openmetrics"`
}

type DNS struct {
	// Server is "host:port" of the DNS server used by MX lookups. Empty
	// means servers from /etc/resolv.conf.
	Server string `toml:"server"`
}

type Router struct {
	EntryState string `toml:"entry_state"`
	ErrorState string `toml:"error_state"`
	MaxHops    int    `toml:"max_hops"`

	// DeadLetter is the name of the repository that receives fragments
	// retained in the error stage or failed by the router.
	DeadLetter string `toml:"dead_letter"`

	// Workers bounds the number of mails routed concurrently by the spool.
	Workers int `toml:"workers"`

	// AsyncListeners decouples the log and metrics listeners from routing
	// through a queue of the given size. Zero disables it.
	AsyncListeners int `toml:"async_listeners"`

	Stages []Stage `toml:"stage"`
	Checks []Check `toml:"check"`
}

type Stage struct {
	Name string `toml:"name"`

	// Fallthrough is the policy for recipients left after the last rule:
	// "error", "ghost", "retain" or a state name.
	Fallthrough string `toml:"fallthrough"`

	// Conditions are named (composite) conditions usable by the rules of
	// this stage.
	Conditions []Condition `toml:"condition"`

	Rules []Rule `toml:"rule"`
}

type Condition struct {
	Name     string                 `toml:"name"`
	Match    string                 `toml:"match"`
	NotMatch string                 `toml:"notmatch"`
	Params   map[string]interface{} `toml:"params"`

	// Conditions are the operands of composite conditions.
	Conditions []Condition `toml:"condition"`
}

type Rule struct {
	ID       string                 `toml:"id"`
	Match    string                 `toml:"match"`
	NotMatch string                 `toml:"notmatch"`
	Action   string                 `toml:"action"`
	Params   map[string]interface{} `toml:"params"`

	// Next overrides the state the fragment moves to after the action
	// completes without changing it.
	Next string `toml:"next"`

	OnMatchError  string `toml:"on_match_error"`
	OnActionError string `toml:"on_action_error"`
}

// Check requires a stage to contain a rule with the given action and,
// optionally, condition.
type Check struct {
	Stage  string `toml:"stage"`
	Action string `toml:"action"`
	Match  string `toml:"match"`
}

type Table struct {
	Name string `toml:"name"`
	Type string `toml:"type"`

	// static
	Entries map[string]string `toml:"entries"`

	// file
	File string `toml:"file"`

	// regexp
	Regexp          string `toml:"regexp"`
	Replacement     string `toml:"replacement"`
	FullMatch       bool   `toml:"full_match"`
	CaseInsensitive bool   `toml:"case_insensitive"`

	// sql
	Driver string   `toml:"driver"`
	DSN    string   `toml:"dsn"`
	Query  string   `toml:"query"`
	Init   []string `toml:"init"`
}

type Repository struct {
	Name   string `toml:"name"`
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
	Blob   Blob   `toml:"blob"`
}

type Blob struct {
	Type string `toml:"type"`

	// fs
	Root string `toml:"root"`

	// s3
	Endpoint     string `toml:"endpoint"`
	Secure       *bool  `toml:"secure"`
	AccessKey    string `toml:"access_key"`
	SecretKey    string `toml:"secret_key"`
	Bucket       string `toml:"bucket"`
	Region       string `toml:"region"`
	ObjectPrefix string `toml:"object_prefix"`
	CredsType    string `toml:"creds"`
}

type SMTP struct {
	Listen         []string `toml:"listen"`
	LMTP           bool     `toml:"lmtp"`
	Domain         string   `toml:"domain"`
	MaxMessageSize string   `toml:"max_message_size"`
	MaxRecipients  int      `toml:"max_recipients"`
	ReadTimeout    string   `toml:"read_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`

	// State is the state assigned to accepted mail. Defaults to the router
	// entry state.
	State string `toml:"state"`

	TLS *TLS `toml:"tls"`

	// AuthTable names the table holding "hash:data" password entries keyed
	// by username. AUTH is not offered if it is empty.
	AuthTable string `toml:"auth_table"`

	// InsecureAuth permits AUTH over connections without TLS.
	InsecureAuth bool `toml:"insecure_auth"`

	ProxyProtocol *ProxyProtocol `toml:"proxy_protocol"`

	Limits []Limit `toml:"limit"`
}

type TLS struct {
	Certs []string `toml:"certs"`
	Keys  []string `toml:"keys"`

	// SelfSigned generates a certificate for the endpoint domain on start.
	SelfSigned bool `toml:"self_signed"`

	// Implicit enables TLS on connect instead of STARTTLS.
	Implicit bool `toml:"implicit"`
}

// ProxyProtocol enables the HAProxy PROXY protocol on the listeners.
type ProxyProtocol struct {
	// Trust lists networks allowed to send the header. Empty trusts
	// everybody.
	Trust []string `toml:"trust"`
}

// Limit restricts the rate or concurrency of incoming messages.
type Limit struct {
	// Scope is "all", "ip" or "source" (sender domain).
	Scope string `toml:"scope"`

	// Kind is "rate" or "concurrency".
	Kind string `toml:"kind"`

	// Burst and Period configure rate limits, Max concurrency ones.
	Burst  int    `toml:"burst"`
	Period string `toml:"period"`
	Max    int    `toml:"max"`
}

type OpenMetrics struct {
	Listen string `toml:"listen"`
}
