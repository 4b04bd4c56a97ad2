package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/types"
)

func TestMaskValueShortAndLong(t *testing.T) {
	assert.Equal(t, "***", maskValue("abc"))
	assert.Equal(t, "s3*****!!", maskValue("s3cret!!!"))
}

func TestMaskSensitiveRecursesNestedMaps(t *testing.T) {
	details := map[string]any{
		"username": "alice",
		"password": "s3cret!!!",
		"nested": map[string]any{
			"api_token": "abcdefgh",
			"note":      "not sensitive",
		},
	}
	masked := maskSensitive(details)
	assert.Equal(t, "alice", masked["username"])
	assert.Equal(t, "s3*****!!", masked["password"])

	nested := masked["nested"].(map[string]any)
	assert.Equal(t, "ab****gh", nested["api_token"])
	assert.Equal(t, "not sensitive", nested["note"])
}

func TestAuditRingWrapsAtCapacity(t *testing.T) {
	ring := newAuditRing(3)
	for i := 0; i < 5; i++ {
		ring.Append(&types.AuditEvent{Resource: string(rune('a' + i))})
	}
	assert.Equal(t, 3, ring.Size())

	recent := ring.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[len(recent)-1].Resource)
}

func TestAuditRingStreamHookInvoked(t *testing.T) {
	ring := newAuditRing(10)
	var seen []*types.AuditEvent
	ring.SetStreamHook(func(ev *types.AuditEvent) { seen = append(seen, ev) })

	ring.Append(&types.AuditEvent{Resource: "r1"})
	require.Len(t, seen, 1)
	assert.Equal(t, "r1", seen[0].Resource)
}

func TestAuditEventsAlwaysMaskedWhenDetailsPresent(t *testing.T) {
	ring := newAuditRing(10)
	ring.Append(&types.AuditEvent{Resource: "r1", Details: map[string]any{"secret": "topsecretvalue"}})

	events := ring.Recent(1)
	require.Len(t, events, 1)
	assert.True(t, events[0].SensitiveDataMasked)
	assert.NotEqual(t, "topsecretvalue", events[0].Details["secret"])
}
