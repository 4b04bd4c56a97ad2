package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/types"
)

// identityStore holds the registered users, keyed by id and by API key
// hash, behind a single mutual-exclusion region per spec.md §9's store
// guidance.
type identityStore struct {
	mu      sync.RWMutex
	users   map[string]*types.User // by id
	apiKeys map[string]string      // sha256(key) -> user id
}

func newIdentityStore() *identityStore {
	return &identityStore{
		users:   make(map[string]*types.User),
		apiKeys: make(map[string]string),
	}
}

// PutUser registers or replaces a user.
func (s *identityStore) PutUser(u *types.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// IssueAPIKey registers the caller-supplied raw API key for user, recording
// only its hash.
func (s *identityStore) IssueAPIKey(userID, rawKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[hashAPIKey(rawKey)] = userID
}

func (s *identityStore) byID(id string) (*types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

func (s *identityStore) byAPIKey(rawKey string) (*types.User, bool) {
	h := hashAPIKey(rawKey)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.apiKeys[h]
	if !ok {
		return nil, false
	}
	u, ok := s.users[id]
	return u, ok
}

func (s *identityStore) touchLastLogin(id string, whenMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.LastLoginMs = whenMs
	}
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return base64.RawStdEncoding.EncodeToString(sum[:])
}

// AuthScheme selects which authentication mechanism Authenticate uses.
type AuthScheme string

const (
	AuthAPIKey      AuthScheme = "api_key"
	AuthBearerToken AuthScheme = "bearer_token"
)

// Credential is the input to Authenticate: exactly one of APIKey or
// BearerToken should be set, matching Scheme.
type Credential struct {
	Scheme      AuthScheme
	APIKey      string
	BearerToken string
}

// Authenticate resolves a credential to a user. Callers that need the
// AUTHENTICATION audit event emitted should go through
// AuthenticateAndAudit instead.
func (m *Manager) Authenticate(cred Credential) (*types.User, error) {
	switch cred.Scheme {
	case AuthAPIKey:
		return m.authenticateAPIKey(cred.APIKey)
	case AuthBearerToken:
		return m.authenticateBearerToken(cred.BearerToken)
	default:
		return nil, fmt.Errorf("unrecognized auth scheme %q", cred.Scheme)
	}
}

func (m *Manager) authenticateAPIKey(key string) (*types.User, error) {
	if key == "" {
		return nil, fmt.Errorf("empty api key")
	}
	u, ok := m.identities.byAPIKey(key)
	if !ok {
		return nil, fmt.Errorf("api key not recognized")
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user %s is not active", u.ID)
	}
	m.identities.touchLastLogin(u.ID, m.clock.Now().UnixMilli())
	return u, nil
}

// authenticateBearerToken verifies a token minted by IssueBearerToken:
// signature, issuer, expiry, and that the referenced user is still
// active.
func (m *Manager) authenticateBearerToken(token string) (*types.User, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed bearer token")
	}
	issuer, subject, expiresAtStr, sig := parts[0], parts[1], parts[2], parts[3]

	expectedSig := m.signBearerFields(issuer, subject, expiresAtStr)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expectedSig)) != 1 {
		return nil, fmt.Errorf("bearer token signature invalid")
	}
	if issuer != m.bearerIssuer {
		return nil, fmt.Errorf("bearer token issuer %q not trusted", issuer)
	}

	var expiresAtMs int64
	if _, err := fmt.Sscanf(expiresAtStr, "%d", &expiresAtMs); err != nil {
		return nil, fmt.Errorf("malformed bearer token expiry: %w", err)
	}
	if m.clock.Now().UnixMilli() > expiresAtMs {
		return nil, fmt.Errorf("bearer token expired")
	}

	u, ok := m.identities.byID(subject)
	if !ok {
		return nil, fmt.Errorf("bearer token subject %q unknown", subject)
	}
	if !u.IsActive {
		return nil, fmt.Errorf("user %s is not active", u.ID)
	}
	m.identities.touchLastLogin(u.ID, m.clock.Now().UnixMilli())
	return u, nil
}

// IssueBearerToken mints a signed bearer token for userID, expiring
// after ttl.
func (m *Manager) IssueBearerToken(userID string, ttl time.Duration) string {
	expiresAtStr := fmt.Sprintf("%d", m.clock.Now().Add(ttl).UnixMilli())
	sig := m.signBearerFields(m.bearerIssuer, userID, expiresAtStr)
	return strings.Join([]string{m.bearerIssuer, userID, expiresAtStr, sig}, ".")
}
