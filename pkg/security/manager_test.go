package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/types"
)

func TestEncryptDecryptDefaultScheme(t *testing.T) {
	mgr := newTestSecurityManager(t)
	wire, err := mgr.Encrypt([]byte("payload body"), "")
	require.NoError(t, err)

	plain, err := mgr.Decrypt(wire)
	require.NoError(t, err)
	assert.Equal(t, "payload body", string(plain))
}

func TestEncryptDisabledPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EncryptionEnabled = false
	mgr, err := New(cfg, "meshbus-test", clock.Real)
	require.NoError(t, err)

	wire, err := mgr.Encrypt([]byte("plaintext"), EncryptionSymmetric)
	require.NoError(t, err)
	assert.Equal(t, "plaintext", string(wire))
}

func TestSecurityManagerStartStopRunsKeyRotationAndSweep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyRotationInterval = 5 * time.Millisecond
	cfg.RateLimitSweep = 5 * time.Millisecond
	mgr, err := New(cfg, "meshbus-test", clock.Real)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	mgr.Stop()
}

func TestAuthorizeAndAuditEmitsAccessDeniedOnRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 1
	mgr, err := New(cfg, "meshbus-test", clock.Real)
	require.NoError(t, err)

	user := &types.User{ID: "u1", Permissions: map[string]struct{}{"write": {}}}
	mgr.AuthorizeAndAudit(user, "topic:alerts", "write", "", "")
	denied := mgr.AuthorizeAndAudit(user, "topic:alerts", "write", "", "")
	assert.False(t, denied.Allowed)

	events := mgr.RecentAuditEvents(2)
	require.Len(t, events, 2)
	assert.Equal(t, types.AuditAccessDenied, events[1].Type)
}
