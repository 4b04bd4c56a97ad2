package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/types"
)

func TestAuthorizeGlobalPermission(t *testing.T) {
	mgr := newTestSecurityManager(t)
	user := &types.User{ID: "u1", Permissions: map[string]struct{}{"write": {}}}

	d := mgr.Authorize(user, "topic:alerts", "write", "")
	assert.True(t, d.Allowed)
}

func TestAuthorizeTopicACL(t *testing.T) {
	mgr := newTestSecurityManager(t)
	user := &types.User{ID: "u1", Permissions: map[string]struct{}{}}
	mgr.GrantTopicACL(&types.TopicACL{Topic: "alerts", UserID: "u1", Actions: map[string]struct{}{"read": {}}})

	allowed := mgr.Authorize(user, "topic:alerts", "read", "")
	assert.True(t, allowed.Allowed)

	denied := mgr.Authorize(user, "topic:alerts", "write", "")
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyPermission, denied.Reason)
}

func TestAuthorizeIPBlacklist(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.BlacklistIP("10.0.0.5")
	user := &types.User{ID: "u1", Permissions: map[string]struct{}{"write": {}}}

	d := mgr.Authorize(user, "topic:alerts", "write", "10.0.0.5")
	assert.False(t, d.Allowed)
	assert.Equal(t, DenyIPBlacklisted, d.Reason)
}

func TestAuthorizeIPWhitelist(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.WhitelistIP("10.0.0.1")
	user := &types.User{ID: "u1", Permissions: map[string]struct{}{"write": {}}}

	assert.False(t, mgr.Authorize(user, "topic:alerts", "write", "10.0.0.2").Allowed)
	assert.True(t, mgr.Authorize(user, "topic:alerts", "write", "10.0.0.1").Allowed)
}

func TestAuthorizeRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestsPerMinute = 2
	mgr, err := New(cfg, "meshbus-test", clock.Real)
	require.NoError(t, err)

	user := &types.User{ID: "u1", Permissions: map[string]struct{}{"write": {}}}
	assert.True(t, mgr.Authorize(user, "topic:alerts", "write", "").Allowed)
	assert.True(t, mgr.Authorize(user, "topic:alerts", "write", "").Allowed)

	denied := mgr.Authorize(user, "topic:alerts", "write", "")
	assert.False(t, denied.Allowed)
	assert.Equal(t, DenyRateLimited, denied.Reason)
}

func TestRateLimiterSweepDropsIdleUsers(t *testing.T) {
	rl := newRateLimiter(time.Minute, 1)
	now := time.Now()
	assert.True(t, rl.allow("u1", now))

	rl.sweep(now.Add(2 * time.Minute))
	rl.mu.Lock()
	_, tracked := rl.hits["u1"]
	rl.mu.Unlock()
	assert.False(t, tracked)
}
