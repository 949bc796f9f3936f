package tracker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookActionableFiltersByTypeActionState(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		want   bool
	}{
		{"issue create todo", `{"action":"create","type":"Issue","data":{"state":{"name":"Todo"}}}`, true},
		{"issue update backlog", `{"action":"update","type":"Issue","data":{"state":{"name":"backlog"}}}`, true},
		{"wrong type", `{"action":"create","type":"Comment","data":{"state":{"name":"todo"}}}`, false},
		{"wrong action", `{"action":"delete","type":"Issue","data":{"state":{"name":"todo"}}}`, false},
		{"wrong state", `{"action":"create","type":"Issue","data":{"state":{"name":"done"}}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p WebhookPayload
			require.NoError(t, json.Unmarshal([]byte(tt.body), &p))
			ok, _ := p.Actionable()
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestWebhookToTicketPrefersIdentifierOverID(t *testing.T) {
	body := `{
		"data": {
			"identifier": "ENG-42",
			"id": "internal-uuid",
			"title": "Fix login",
			"labels": {"nodes": [{"name": "bug"}, {"name": "urgent"}]}
		}
	}`
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	tk := p.ToTicket()
	assert.Equal(t, "ENG-42", tk.Key)
	assert.Equal(t, "Fix login", tk.Title)
	assert.ElementsMatch(t, []string{"bug", "urgent"}, tk.Labels)
}

func TestWebhookToTicketFallsBackToID(t *testing.T) {
	body := `{"data": {"id": "internal-uuid", "title": "x"}}`
	var p WebhookPayload
	require.NoError(t, json.Unmarshal([]byte(body), &p))

	tk := p.ToTicket()
	assert.Equal(t, "internal-uuid", tk.Key)
}

func TestSyntheticCheckTicket(t *testing.T) {
	tk := SyntheticCheckTicket()
	assert.Equal(t, SyntheticCheckKey, tk.Key)
}
