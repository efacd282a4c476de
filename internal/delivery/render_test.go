package delivery

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	trigger := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	recipient := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	rc := RenderContext{
		Payload: map[string]any{
			"from":   "open",
			"to":     "resolved",
			"amount": 150.5,
			"ticket": map[string]any{"id": 42},
		},
		Trigger:   &trigger,
		Recipient: recipient,
		EventCode: "ticket_status_changed",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain", "No placeholders", "No placeholders"},
		{"data fields", "Ticket moved from {{data.from}} to {{data.to}}", "Ticket moved from open to resolved"},
		{"nested path", "Ticket #{{data.ticket.id}}", "Ticket #42"},
		{"number", "Amount {{data.amount}}", "Amount 150.5"},
		{"user is recipient", "Hi {{user.id}}", "Hi " + recipient.String()},
		{"trigger", "By {{trigger.id}}", "By " + trigger.String()},
		{"event code", "{{event.code}}", "ticket_status_changed"},
		{"unresolved kept", "Missing {{data.nope}} and {{foo.bar}}", "Missing {{data.nope}} and {{foo.bar}}"},
		{"spaces tolerated", "{{ data.to }}", "resolved"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.tmpl, rc))
		})
	}
}

func TestRender_NoTrigger(t *testing.T) {
	assert.Equal(t, "{{trigger.id}}", Render("{{trigger.id}}", RenderContext{}))
}

func TestRender_DecodedNumbersKeepPlainForm(t *testing.T) {
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"amount":1500000,"id":12345678,"rate":0.000025,"neg":-42}`), &payload))

	rc := RenderContext{Payload: payload}
	assert.Equal(t, "Paid 1500000 on #12345678", Render("Paid {{data.amount}} on #{{data.id}}", rc))
	assert.Equal(t, "0.000025 / -42", Render("{{data.rate}} / {{data.neg}}", rc))
}
