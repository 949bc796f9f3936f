// Package config loads and defaults the daemon's JSON configuration file,
// mirroring DaemonConfig.from_file/.default() from the original daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"dispatchd/internal/pool"
	"dispatchd/internal/router"
	"dispatchd/internal/ticket"

	"dispatchd/core/log"
)

// PoolConfig is the JSON shape of one pool's configuration.
type PoolConfig struct {
	MinWorkers   int    `json:"min_workers"`
	MaxWorkers   int    `json:"max_workers"`
	DefaultModel string `json:"default_model"`
}

// RoutingRule is the JSON shape of one ordered routing rule.
type RoutingRule struct {
	Match map[string]any `json:"match"`
	Pool  string         `json:"pool"`
	Model string         `json:"model"`
}

// Daemon is the full JSON configuration document.
type Daemon struct {
	ControlPort          int                   `json:"control_port"`
	PollInterval         int                   `json:"poll_interval"`
	LeaseTTL             int                   `json:"lease_ttl"`
	SyntheticPollEnabled *bool                 `json:"synthetic_poll_enabled,omitempty"`
	Pools                map[string]PoolConfig `json:"pools"`
	RoutingRules         []RoutingRule         `json:"routing_rules"`
}

// Default returns the documented default configuration: coding(1,3,sonnet),
// review(1,1,haiku), linear(1,1,haiku), plus the four default routing rules.
func Default() Daemon {
	t := true
	return Daemon{
		ControlPort:          9100,
		PollInterval:         30,
		LeaseTTL:             600,
		SyntheticPollEnabled: &t,
		Pools: map[string]PoolConfig{
			"coding": {MinWorkers: 1, MaxWorkers: 3, DefaultModel: "sonnet"},
			"review": {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"},
			"linear": {MinWorkers: 1, MaxWorkers: 1, DefaultModel: "haiku"},
		},
		RoutingRules: []RoutingRule{
			{Match: map[string]any{"labels": []any{"review"}}, Pool: "review", Model: "haiku"},
			{Match: map[string]any{"labels": []any{"linear", "triage"}}, Pool: "linear", Model: "haiku"},
			{Match: map[string]any{"complexity": "high"}, Pool: "coding", Model: "opus"},
			{Match: map[string]any{"complexity": "low"}, Pool: "coding", Model: "haiku"},
		},
	}
}

// FromFile loads a Daemon config from a JSON file at path.
func FromFile(path string) (Daemon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Daemon{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var d Daemon
	if err := json.Unmarshal(data, &d); err != nil {
		return Daemon{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return d, nil
}

// SyntheticPollEnabledOrDefault reports the effective value, defaulting to true when
// unset (matching the always-on fallback poll in the original daemon).
func (d Daemon) SyntheticPollEnabledOrDefault() bool {
	if d.SyntheticPollEnabled == nil {
		return true
	}
	return *d.SyntheticPollEnabled
}

// PoolConfigs converts the JSON pool map into pool.Config values keyed by
// known PoolType, logging and skipping any unrecognized pool name.
func (d Daemon) PoolConfigs() map[ticket.PoolType]pool.Config {
	out := make(map[ticket.PoolType]pool.Config, len(d.Pools))
	for name, pc := range d.Pools {
		pt, ok := ticket.ParsePoolType(name)
		if !ok {
			log.Warn("unknown pool %q in config, skipping", name)
			continue
		}
		out[pt] = pool.Config{
			MinWorkers:   pc.MinWorkers,
			MaxWorkers:   pc.MaxWorkers,
			DefaultModel: pc.DefaultModel,
		}
	}
	return out
}

// PoolDefaults extracts each pool's default model tier for RouteAndSelect.
func (d Daemon) PoolDefaults() router.PoolDefaults {
	defaults := make(router.PoolDefaults, len(d.Pools))
	for name, pc := range d.Pools {
		pt, ok := ticket.ParsePoolType(name)
		if !ok {
			continue
		}
		defaults[pt] = pc.DefaultModel
	}
	return defaults
}

// recognizedMatchKeys are the only "match" keys a routing rule understands.
// Anything else lands in Rule.Unknown and permanently fails the rule,
// matching RoutingRule.matches()'s "else: logger.debug(...); return False"
// branch in the original — an unrecognized key must never make a rule
// easier to satisfy by simply being dropped.
var recognizedMatchKeys = map[string]bool{
	"labels": true, "complexity": true, "priority": true,
	"status": true, "title_pattern": true,
}

// Rules converts the JSON routing rules into router.Rule values in order.
// A match key outside recognizedMatchKeys is recorded in Rule.Unknown rather
// than dropped, so Rule.Matches always fails for that rule instead of
// matching more loosely than configured.
func (d Daemon) Rules() []router.Rule {
	rules := make([]router.Rule, 0, len(d.RoutingRules))
	for _, rr := range d.RoutingRules {
		pt, _ := ticket.ParsePoolType(rr.Pool)
		rule := router.Rule{Pool: pt, Model: rr.Model}

		for key := range rr.Match {
			if !recognizedMatchKeys[key] {
				rule.Unknown = append(rule.Unknown, key)
				log.Warn("routing rule has unrecognized match key %q, rule will never match", key)
			}
		}

		if labels, ok := rr.Match["labels"].([]any); ok {
			for _, l := range labels {
				if s, ok := l.(string); ok {
					rule.Labels = append(rule.Labels, s)
				}
			}
		}
		if c, ok := rr.Match["complexity"].(string); ok {
			rule.Complexity = ticket.Complexity(c)
		}
		if p, ok := rr.Match["priority"].(string); ok {
			rule.Priority = p
		}
		if s, ok := rr.Match["status"].(string); ok {
			rule.Status = ticket.Status(s)
		}
		if tp, ok := rr.Match["title_pattern"].(string); ok {
			rule.TitlePattern = tp
		}

		rules = append(rules, rule)
	}
	return rules
}
