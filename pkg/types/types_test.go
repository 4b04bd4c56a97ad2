package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditEventMarshalJSONUsesWireFormat(t *testing.T) {
	ev := AuditEvent{
		ID:          "ev-1",
		Type:        AuditMessagePublish,
		UserID:      "u1",
		Resource:    "topic:alerts",
		Action:      "write",
		Result:      ResultSuccess,
		TimestampMs: 1_700_000_000_500,
		IP:          "10.0.0.1",
		Details:     map[string]any{"count": 1},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "ev-1", decoded["id"])
	assert.Equal(t, "MESSAGE_PUBLISH", decoded["event_type"])
	assert.Equal(t, "u1", decoded["user_id"])
	assert.Equal(t, "topic:alerts", decoded["resource"])
	assert.Equal(t, "write", decoded["action"])
	assert.Equal(t, "success", decoded["result"])
	assert.Equal(t, 1700000000.5, decoded["timestamp"])
	assert.Equal(t, "10.0.0.1", decoded["ip_address"])
	assert.Nil(t, decoded["user_agent"])
	assert.False(t, decoded["sensitive_data_masked"].(bool))
}

func TestAuditEventMarshalJSONNullsEmptyFields(t *testing.T) {
	ev := AuditEvent{Type: AuditAuthentication, Resource: "authn", Result: ResultFailure}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Nil(t, decoded["user_id"])
	assert.Nil(t, decoded["ip_address"])
	assert.Nil(t, decoded["user_agent"])
	assert.Equal(t, map[string]any{}, decoded["details"])
}
