package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/ticket"
)

func TestDefaultConfig(t *testing.T) {
	d := Default()

	assert.Equal(t, 9100, d.ControlPort)
	assert.Equal(t, 30, d.PollInterval)
	assert.Equal(t, 600, d.LeaseTTL)
	assert.True(t, d.SyntheticPollEnabledOrDefault())
	assert.Len(t, d.Pools, 3)
	assert.Len(t, d.RoutingRules, 4)
}

func TestSyntheticPollDefaultsToEnabledWhenUnset(t *testing.T) {
	var d Daemon
	assert.True(t, d.SyntheticPollEnabledOrDefault())
}

func TestPoolConfigsSkipsUnknownPools(t *testing.T) {
	d := Daemon{Pools: map[string]PoolConfig{
		"coding":  {MinWorkers: 1, MaxWorkers: 2, DefaultModel: "sonnet"},
		"bogus":   {MinWorkers: 1, MaxWorkers: 1},
	}}

	got := d.PoolConfigs()
	assert.Len(t, got, 1)
	_, ok := got[ticket.PoolCoding]
	assert.True(t, ok)
}

func TestRulesParsesLabelsAndComplexity(t *testing.T) {
	d := Daemon{RoutingRules: []RoutingRule{
		{Match: map[string]any{"labels": []any{"review"}}, Pool: "review", Model: "haiku"},
		{Match: map[string]any{"complexity": "high"}, Pool: "coding", Model: "opus"},
	}}

	rules := d.Rules()
	require.Len(t, rules, 2)
	assert.Equal(t, []string{"review"}, rules[0].Labels)
	assert.Equal(t, ticket.PoolReview, rules[0].Pool)
	assert.Equal(t, ticket.ComplexityHigh, rules[1].Complexity)
}

func TestRulesRecordsUnrecognizedMatchKey(t *testing.T) {
	d := Daemon{RoutingRules: []RoutingRule{
		{Match: map[string]any{"labels": []any{"review"}, "owner": "alice"}, Pool: "review", Model: "haiku"},
	}}

	rules := d.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, []string{"owner"}, rules[0].Unknown)

	// The rule is still fully built (Labels still populated) but Matches
	// must always refuse it, not just ignore the unrecognized key.
	assert.Equal(t, []string{"review"}, rules[0].Labels)
	assert.False(t, rules[0].Matches(ticket.Ticket{Labels: []string{"review"}}))
}

func TestFromFileRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"control_port": 9200,
		"poll_interval": 15,
		"lease_ttl": 120,
		"pools": {"coding": {"min_workers": 2, "max_workers": 4, "default_model": "opus"}},
		"routing_rules": []
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	d, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, d.ControlPort)
	assert.Equal(t, 15, d.PollInterval)
	assert.Equal(t, 120, d.LeaseTTL)
	assert.Equal(t, 4, d.Pools["coding"].MaxWorkers)
}

func TestFromFileMissingReturnsError(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
