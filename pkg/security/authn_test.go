package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/types"
)

func newTestSecurityManager(t *testing.T) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.AsymmetricKeyBits = 2048
	mgr, err := New(cfg, "meshbus-test", clock.Real)
	require.NoError(t, err)
	return mgr
}

func TestAuthenticateAPIKeySuccess(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.RegisterUser(&types.User{ID: "u1", Username: "alice", IsActive: true})
	mgr.IssueAPIKey("u1", "raw-key-123")

	u, err := mgr.Authenticate(Credential{Scheme: AuthAPIKey, APIKey: "raw-key-123"})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Greater(t, u.LastLoginMs, int64(0))
}

func TestAuthenticateAPIKeyUnknown(t *testing.T) {
	mgr := newTestSecurityManager(t)
	_, err := mgr.Authenticate(Credential{Scheme: AuthAPIKey, APIKey: "nope"})
	assert.Error(t, err)
}

func TestAuthenticateAPIKeyInactiveUser(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.RegisterUser(&types.User{ID: "u1", IsActive: false})
	mgr.IssueAPIKey("u1", "raw-key")

	_, err := mgr.Authenticate(Credential{Scheme: AuthAPIKey, APIKey: "raw-key"})
	assert.Error(t, err)
}

func TestAuthenticateBearerTokenRoundTrip(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.RegisterUser(&types.User{ID: "u1", IsActive: true})

	token := mgr.IssueBearerToken("u1", time.Hour)
	u, err := mgr.Authenticate(Credential{Scheme: AuthBearerToken, BearerToken: token})
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestAuthenticateBearerTokenExpired(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.RegisterUser(&types.User{ID: "u1", IsActive: true})

	token := mgr.IssueBearerToken("u1", -time.Minute)
	_, err := mgr.Authenticate(Credential{Scheme: AuthBearerToken, BearerToken: token})
	assert.Error(t, err)
}

func TestAuthenticateBearerTokenTampered(t *testing.T) {
	mgr := newTestSecurityManager(t)
	mgr.RegisterUser(&types.User{ID: "u1", IsActive: true})

	token := mgr.IssueBearerToken("u1", time.Hour)
	tampered := token[:len(token)-1] + "x"
	_, err := mgr.Authenticate(Credential{Scheme: AuthBearerToken, BearerToken: tampered})
	assert.Error(t, err)
}

func TestAuthenticateAndAuditEmitsEventOnFailure(t *testing.T) {
	mgr := newTestSecurityManager(t)
	_, err := mgr.AuthenticateAndAudit(Credential{Scheme: AuthAPIKey, APIKey: "bad"}, "")
	assert.Error(t, err)

	events := mgr.RecentAuditEvents(1)
	require.Len(t, events, 1)
	assert.Equal(t, types.AuditAuthentication, events[0].Type)
	assert.Equal(t, types.ResultFailure, events[0].Result)
}
