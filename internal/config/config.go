// Package config resolves the command surface spec.md §6 describes: CLI
// flags layered over an optional TOML file and environment overrides,
// following the teacher's koanf-based layering (file < env < flags, flags
// win) but replacing its chain.json-oriented shape with the flat option set
// this client needs.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/tycho-sync/block-feed/internal/tracker"
	"github.com/tycho-sync/block-feed/pkg/feed"
)

// ExitCode mirrors spec.md §6's exit code table.
type ExitCode int

const (
	ExitOK                ExitCode = 0
	ExitConfigError       ExitCode = 2
	ExitConnectionFailed  ExitCode = 3
	ExitAllStaleOrErrored ExitCode = 4
	ExitSinkFailure       ExitCode = 5
)

// ExtractorSpec is one parsed --exchange option: a name, and, if the
// repeatable flag carried a `:component_id` suffix, an explicit component.
type ExtractorSpec struct {
	Name     feed.ExtractorId
	Explicit string // empty unless this --exchange had a :component_id suffix
}

// Config is the fully-resolved command surface.
type Config struct {
	Extractors []ExtractorSpec

	MinTVL          *float64
	AddThreshold    *float64
	RemoveThreshold *float64

	BlockTime time.Duration
	RPCURL    string
	WSURL     string
	Quota     int
	NoState   bool
	LogDir    string

	NATSURL string // empty disables the NATS mirror sink
}

// ConfigError is a fatal configuration problem (spec.md exit code 2).
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Parse builds a Config from CLI args, a TOML file (if present), and
// environment variables. File and env set defaults; CLI flags always win,
// matching internal/util.InitConfig's layering but reordered so flags are
// authoritative per spec.md's CLI-first command surface.
func Parse(args []string, logger zerolog.Logger) (Config, error) {
	fs := pflag.NewFlagSet("tycho-feed", pflag.ContinueOnError)

	exchanges := fs.StringArray("exchange", nil, "register an extractor, optionally name:component_id (repeatable)")
	minTVL := fs.Float64("min-tvl", 0, "single-threshold admission")
	addThreshold := fs.Float64("add-tvl-threshold", 0, "ranged admission: add side")
	removeThreshold := fs.Float64("remove-tvl-threshold", 0, "ranged admission: remove side")
	blockTime := fs.Duration("block-time", 12*time.Second, "per-tick barrier timeout")
	rpcURL := fs.String("tycho-rpc-url", "http://localhost:4242", "indexer RPC endpoint")
	wsURL := fs.String("tycho-ws-url", "ws://localhost:4242", "indexer websocket endpoint")
	quota := fs.IntP("n", "n", 0, "emit exactly N FeedMessages then exit 0 (0 = unbounded)")
	noState := fs.Bool("no-state", false, "light mode: suppress snapshots/state_updates/account_updates")
	logDir := fs.String("log-dir", "", "directory for the log sink")
	configFile := fs.String("config", "", "optional TOML config file for defaults")
	natsURL := fs.String("nats-url", "", "optional NATS JetStream URL to mirror the feed onto")

	if err := fs.Parse(args); err != nil {
		return Config{}, configErrorf("parse flags: %v", err)
	}

	ko := koanf.New(".")
	if *configFile != "" {
		if err := ko.Load(file.Provider(*configFile), toml.Parser()); err != nil {
			return Config{}, configErrorf("load config file %s: %v", *configFile, err)
		}
	}
	if err := ko.Load(env.Provider("TYCHO_FEED_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "TYCHO_FEED_"))
	}), nil); err != nil {
		logger.Warn().Err(err).Msg("failed to load environment overrides")
	}

	minTVLSet := fs.Changed("min-tvl")
	if !minTVLSet && ko.Exists("min_tvl") {
		v := ko.Float64("min_tvl")
		minTVL = &v
		minTVLSet = true
	}
	if !fs.Changed("tycho-rpc-url") && ko.Exists("tycho_rpc_url") {
		v := ko.String("tycho_rpc_url")
		rpcURL = &v
	}
	if !fs.Changed("tycho-ws-url") && ko.Exists("tycho_ws_url") {
		v := ko.String("tycho_ws_url")
		wsURL = &v
	}

	cfg := Config{
		BlockTime: *blockTime,
		RPCURL:    *rpcURL,
		WSURL:     *wsURL,
		Quota:     *quota,
		NoState:   *noState,
		LogDir:    *logDir,
		NATSURL:   *natsURL,
	}

	if len(*exchanges) == 0 {
		return Config{}, configErrorf("at least one --exchange is required")
	}
	seen := make(map[string]struct{}, len(*exchanges))
	for _, raw := range *exchanges {
		name, explicit, _ := strings.Cut(raw, ":")
		if name == "" {
			return Config{}, configErrorf("invalid --exchange %q: empty name", raw)
		}
		if _, dup := seen[name]; dup {
			return Config{}, configErrorf("duplicate --exchange %q", name)
		}
		seen[name] = struct{}{}
		cfg.Extractors = append(cfg.Extractors, ExtractorSpec{Name: feed.ExtractorId(name), Explicit: explicit})
	}

	hasRanged := fs.Changed("add-tvl-threshold") || fs.Changed("remove-tvl-threshold")
	if hasRanged {
		if !fs.Changed("add-tvl-threshold") || !fs.Changed("remove-tvl-threshold") {
			return Config{}, configErrorf("ranged admission requires both --add-tvl-threshold and --remove-tvl-threshold")
		}
		cfg.AddThreshold = addThreshold
		cfg.RemoveThreshold = removeThreshold
	} else if minTVLSet {
		cfg.MinTVL = minTVL
	}

	return cfg, nil
}

// PolicyFor resolves the admission policy for one extractor spec, combining
// the global TVL options with a per-extractor explicit component override.
func PolicyFor(cfg Config, spec ExtractorSpec) (tracker.Policy, error) {
	if spec.Explicit != "" {
		return tracker.Resolve(tracker.PolicyConfig{ExplicitComponents: []string{spec.Explicit}})
	}
	policy, err := tracker.Resolve(tracker.PolicyConfig{
		MinTVL:          cfg.MinTVL,
		AddThreshold:    cfg.AddThreshold,
		RemoveThreshold: cfg.RemoveThreshold,
	})
	if err != nil {
		return tracker.Policy{}, &ConfigError{msg: err.Error()}
	}
	return policy, nil
}

// ParseLogLevelOverrides parses the LOG_LEVEL-style env var's component
// overrides ("client=trace,tracker=debug") into a map. The bare global level
// (no "=") applies to zerolog's global level separately.
func ParseLogLevelOverrides(value string) (global string, overrides map[string]string) {
	overrides = make(map[string]string)
	parts := strings.Split(value, ",")
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		name, level, ok := strings.Cut(p, "=")
		if !ok {
			global = name
			continue
		}
		overrides[strings.TrimSpace(name)] = strings.TrimSpace(level)
	}
	return global, overrides
}
