package security

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/meshbus/pkg/clock"
	"github.com/cuemby/meshbus/pkg/log"
	"github.com/cuemby/meshbus/pkg/metrics"
	"github.com/cuemby/meshbus/pkg/types"
)

// Manager is the security layer's orchestrator: identity, authorization
// policy, key lifecycle, and the audit ring, all owned per-instance so
// no module-level singleton is read from within the core.
type Manager struct {
	cfg   Config
	clock clock.Clock
	log   zerolog.Logger

	identities  *identityStore
	ipPolicy    *ipPolicy
	rateLimiter *rateLimiter
	acls        *aclStore
	audit       *auditRing
	keys        *KeyManager

	bearerIssuer string
	bearerSecret []byte

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Manager from cfg. bearerIssuer identifies this bus instance
// as the trusted issuer of bearer tokens it signs.
func New(cfg Config, bearerIssuer string, clk clock.Clock) (*Manager, error) {
	keys, err := NewKeyManager(cfg.RetainedGenerations, cfg.AsymmetricKeyBits, clk)
	if err != nil {
		return nil, fmt.Errorf("provision key manager: %w", err)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate bearer signing secret: %w", err)
	}

	return &Manager{
		cfg:          cfg,
		clock:        clk,
		log:          log.WithComponent("security.manager"),
		identities:   newIdentityStore(),
		ipPolicy:     newIPPolicy(),
		rateLimiter:  newRateLimiter(cfg.RateLimitWindow, cfg.MaxRequestsPerMinute),
		acls:         newACLStore(),
		audit:        newAuditRing(cfg.AuditRingSize),
		keys:         keys,
		bearerIssuer: bearerIssuer,
		bearerSecret: secret,
	}, nil
}

func (m *Manager) signBearerFields(issuer, subject, expiresAtStr string) string {
	mac := hmac.New(sha256.New, m.bearerSecret)
	mac.Write([]byte(issuer))
	mac.Write([]byte{0})
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	mac.Write([]byte(expiresAtStr))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Start launches the background key rotator and rate-limit sweeper.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(2)
	go m.keyRotatorLoop(runCtx)
	go m.rateLimitSweepLoop(runCtx)

	m.log.Info().Msg("security manager started")
}

// Stop cancels the background loops and waits for them to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.log.Info().Msg("security manager stopped")
}

func (m *Manager) keyRotatorLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.KeyRotationInterval):
			if err := m.keys.RotateIfDue(m.cfg.KeyRotationInterval); err != nil {
				m.log.Warn().Err(err).Msg("key rotation failed")
				continue
			}
			m.log.Info().Msg("key rotation check complete")
		}
	}
}

func (m *Manager) rateLimitSweepLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.RateLimitSweep):
			m.rateLimiter.sweep(m.clock.Now())
		}
	}
}

// RegisterUser adds or replaces a user identity.
func (m *Manager) RegisterUser(u *types.User) {
	m.identities.PutUser(u)
}

// IssueAPIKey registers a caller-supplied opaque API key for a user.
func (m *Manager) IssueAPIKey(userID, rawKey string) {
	m.identities.IssueAPIKey(userID, rawKey)
}

// GrantTopicACL grants a user actions on a topic.
func (m *Manager) GrantTopicACL(acl *types.TopicACL) {
	m.acls.Grant(acl)
}

// BlacklistIP and WhitelistIP configure the IP policy consulted first in
// the AuthZ cascade.
func (m *Manager) BlacklistIP(ip string) { m.ipPolicy.Blacklist(ip) }
func (m *Manager) WhitelistIP(ip string) { m.ipPolicy.Whitelist(ip) }

// AuthenticateAndAudit runs Authenticate and unconditionally emits an
// AUTHENTICATION audit event, success or failure.
func (m *Manager) AuthenticateAndAudit(cred Credential, transactionID string) (*types.User, error) {
	user, err := m.Authenticate(cred)
	if err != nil {
		if m.cfg.MetricsEnabled {
			metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		}
		m.recordAudit(types.AuditAuthentication, "", "authn", string(cred.Scheme), types.ResultFailure, transactionID,
			map[string]any{"error": err.Error()})
		return nil, err
	}
	if m.cfg.MetricsEnabled {
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	}
	m.recordAudit(types.AuditAuthentication, user.ID, "authn", string(cred.Scheme), types.ResultSuccess, transactionID, nil)
	return user, nil
}

// AuthorizeAndAudit runs Authorize and unconditionally emits an
// AUTHORIZATION or ACCESS_DENIED audit event.
func (m *Manager) AuthorizeAndAudit(user *types.User, resource, action, callerIP, transactionID string) Decision {
	decision := m.Authorize(user, resource, action, callerIP)
	var userID string
	if user != nil {
		userID = user.ID
	}

	if !decision.Allowed {
		if m.cfg.MetricsEnabled && decision.Reason == DenyRateLimited {
			metrics.RateLimitDeniedTotal.Inc()
		}
		m.recordAudit(types.AuditAccessDenied, userID, resource, action, types.ResultDenied, transactionID,
			map[string]any{"reason": string(decision.Reason)})
		return decision
	}
	m.recordAudit(types.AuditAuthorization, userID, resource, action, types.ResultSuccess, transactionID, nil)
	return decision
}

// EncryptionEnabled reports whether this instance applies payload
// encryption at all, so callers can decide whether to mark an envelope's
// attributes.encrypted flag after calling Encrypt.
func (m *Manager) EncryptionEnabled() bool {
	return m.cfg.EncryptionEnabled
}

// RecordPublishAudit emits a MESSAGE_PUBLISH audit event.
func (m *Manager) RecordPublishAudit(userID, topic string, result types.AuditResult, transactionID string, details map[string]any) {
	m.recordAudit(types.AuditMessagePublish, userID, "topic:"+topic, "write", result, transactionID, details)
}

// RecordConsumeAudit emits a MESSAGE_CONSUME audit event.
func (m *Manager) RecordConsumeAudit(userID, topic string, result types.AuditResult, transactionID string, details map[string]any) {
	m.recordAudit(types.AuditMessageConsume, userID, "topic:"+topic, "read", result, transactionID, details)
}

// Encrypt encrypts payload under the configured default scheme (or the
// override if non-empty), returning the wire envelope.
func (m *Manager) Encrypt(payload []byte, scheme EncryptionScheme) ([]byte, error) {
	if !m.cfg.EncryptionEnabled {
		return payload, nil
	}
	if scheme == "" {
		scheme = m.cfg.DefaultScheme
	}

	start := m.clock.Now()
	out, err := m.keys.Encrypt(payload, scheme)
	if m.cfg.MetricsEnabled {
		metrics.EncryptDuration.WithLabelValues("encrypt", string(scheme)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		m.recordAudit(types.AuditEncryption, "", "payload", string(scheme), types.ResultError, "",
			map[string]any{"error": err.Error()})
		return nil, err
	}
	m.recordAudit(types.AuditEncryption, "", "payload", string(scheme), types.ResultSuccess, "", nil)
	return out, nil
}

// Decrypt reverses Encrypt. Payloads that were never encrypted pass
// through unchanged when encryption is disabled.
func (m *Manager) Decrypt(wire []byte) ([]byte, error) {
	if !m.cfg.EncryptionEnabled {
		return wire, nil
	}

	start := m.clock.Now()
	out, err := m.keys.Decrypt(wire)
	if m.cfg.MetricsEnabled {
		metrics.EncryptDuration.WithLabelValues("decrypt", "").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		m.recordAudit(types.AuditDecryption, "", "payload", "", types.ResultError, "",
			map[string]any{"error": err.Error()})
		return nil, err
	}
	m.recordAudit(types.AuditDecryption, "", "payload", "", types.ResultSuccess, "", nil)
	return out, nil
}

// RecordTransactionRollback emits a TRANSACTION_ROLLBACK audit event for a
// message_transaction scope that exited with an error. This is an audit
// signal only: the scope is an auditing aggregate, not an ACID boundary, so
// no already-appended log record is undone.
func (m *Manager) RecordTransactionRollback(userID, transactionID string, cause error) {
	var details map[string]any
	if cause != nil {
		details = map[string]any{"error": cause.Error()}
	}
	m.recordAudit(types.AuditTransactionRollback, userID, "transaction", "rollback", types.ResultFailure, transactionID, details)
}

// RecentAuditEvents exposes the last n audit entries, newest last.
func (m *Manager) RecentAuditEvents(n int) []*types.AuditEvent {
	return m.audit.Recent(n)
}

// SetAuditStreamHook registers a callback invoked synchronously on every
// audit append.
func (m *Manager) SetAuditStreamHook(fn func(*types.AuditEvent)) {
	m.audit.SetStreamHook(fn)
}
