package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/meshbus/pkg/clock"
)

// symmetricKey is a generation of an AES-256-GCM key, identified by KeyID.
type symmetricKey struct {
	ID        string
	Secret    []byte // 32 bytes
	CreatedAt time.Time
}

// asymmetricKeyPair is a generation of an RSA keypair for the asymmetric
// and hybrid schemes.
type asymmetricKeyPair struct {
	ID        string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// KeyManager owns the rotating symmetric and asymmetric key generations.
// Rotation appends a new generation without deleting old ones until they
// age out of the retained-generations window, so in-flight ciphertext
// referencing an older key_id can still be decrypted.
type KeyManager struct {
	mu sync.RWMutex

	retainedGenerations int
	asymmetricBits      int
	clock               clock.Clock

	symmetric  []*symmetricKey // newest last
	asymmetric []*asymmetricKeyPair
}

// NewKeyManager creates a manager with one generation of each key type
// already provisioned. A nil clock defaults to the real wall clock.
func NewKeyManager(retainedGenerations, asymmetricBits int, clk clock.Clock) (*KeyManager, error) {
	if retainedGenerations < 1 {
		retainedGenerations = 2
	}
	if clk == nil {
		clk = clock.Real
	}
	km := &KeyManager{retainedGenerations: retainedGenerations, asymmetricBits: asymmetricBits, clock: clk}
	if err := km.RotateSymmetric(); err != nil {
		return nil, err
	}
	if err := km.RotateAsymmetric(); err != nil {
		return nil, err
	}
	return km, nil
}

// RotateSymmetric provisions a new AES-256 key generation, retaining older
// generations up to the configured window.
func (km *KeyManager) RotateSymmetric() error {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate symmetric key: %w", err)
	}
	key := &symmetricKey{ID: newKeyID("sym"), Secret: secret, CreatedAt: km.clock.Now()}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.symmetric = append(km.symmetric, key)
	km.trimSymmetricLocked()
	return nil
}

// RotateAsymmetric provisions a new RSA keypair generation.
func (km *KeyManager) RotateAsymmetric() error {
	bits := km.asymmetricBits
	if bits == 0 {
		bits = 2048
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("generate asymmetric key: %w", err)
	}
	pair := &asymmetricKeyPair{ID: newKeyID("asym"), Private: priv, CreatedAt: km.clock.Now()}

	km.mu.Lock()
	defer km.mu.Unlock()
	km.asymmetric = append(km.asymmetric, pair)
	km.trimAsymmetricLocked()
	return nil
}

func (km *KeyManager) trimSymmetricLocked() {
	if len(km.symmetric) > km.retainedGenerations {
		km.symmetric = km.symmetric[len(km.symmetric)-km.retainedGenerations:]
	}
}

func (km *KeyManager) trimAsymmetricLocked() {
	if len(km.asymmetric) > km.retainedGenerations {
		km.asymmetric = km.asymmetric[len(km.asymmetric)-km.retainedGenerations:]
	}
}

// RotateIfDue rotates each key type whose newest generation is at least
// interval old; the two types are checked independently. Called by the
// background key rotator.
func (km *KeyManager) RotateIfDue(interval time.Duration) error {
	km.mu.RLock()
	now := km.clock.Now()
	var symAge, asymAge time.Duration
	if len(km.symmetric) > 0 {
		symAge = now.Sub(km.symmetric[len(km.symmetric)-1].CreatedAt)
	}
	if len(km.asymmetric) > 0 {
		asymAge = now.Sub(km.asymmetric[len(km.asymmetric)-1].CreatedAt)
	}
	km.mu.RUnlock()

	if symAge >= interval {
		if err := km.RotateSymmetric(); err != nil {
			return err
		}
	}
	if asymAge >= interval {
		if err := km.RotateAsymmetric(); err != nil {
			return err
		}
	}
	return nil
}

func (km *KeyManager) currentSymmetric() *symmetricKey {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if len(km.symmetric) == 0 {
		return nil
	}
	return km.symmetric[len(km.symmetric)-1]
}

func (km *KeyManager) currentAsymmetric() *asymmetricKeyPair {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if len(km.asymmetric) == 0 {
		return nil
	}
	return km.asymmetric[len(km.asymmetric)-1]
}

func (km *KeyManager) findSymmetric(id string) (*symmetricKey, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	for _, k := range km.symmetric {
		if k.ID == id {
			return k, true
		}
	}
	return nil, false
}

func (km *KeyManager) findAsymmetric(id string) (*asymmetricKeyPair, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	for _, k := range km.asymmetric {
		if k.ID == id {
			return k, true
		}
	}
	return nil, false
}

func newKeyID(prefix string) string {
	b := make([]byte, 9)
	_, _ = rand.Read(b)
	return prefix + "-" + base64.RawURLEncoding.EncodeToString(b)
}

// EncryptedPayload is the wire shape of an encrypted message body,
// matching the attribute-carried envelope format.
type EncryptedPayload struct {
	Encrypted    bool   `json:"encrypted"`
	Algorithm    string `json:"algorithm"`
	KeyID        string `json:"key_id"`
	Data         string `json:"data"`
	EncryptedKey string `json:"encrypted_key,omitempty"`
}

// Encrypt encrypts plaintext under the given scheme, returning the wire
// envelope marshaled to JSON bytes.
func (km *KeyManager) Encrypt(plaintext []byte, scheme EncryptionScheme) ([]byte, error) {
	switch scheme {
	case EncryptionSymmetric:
		return km.encryptSymmetric(plaintext)
	case EncryptionAsymmetric:
		return km.encryptAsymmetric(plaintext)
	case EncryptionHybrid, "":
		return km.encryptHybrid(plaintext)
	default:
		return nil, fmt.Errorf("unknown encryption scheme %q", scheme)
	}
}

// Decrypt reverses Encrypt, locating the key_id carried in the envelope
// among the retained generations.
func (km *KeyManager) Decrypt(wire []byte) ([]byte, error) {
	var env EncryptedPayload
	if err := json.Unmarshal(wire, &env); err != nil {
		return nil, fmt.Errorf("unmarshal encrypted envelope: %w", err)
	}

	switch EncryptionScheme(env.Algorithm) {
	case EncryptionSymmetric:
		return km.decryptSymmetric(env)
	case EncryptionAsymmetric:
		return km.decryptAsymmetric(env)
	case EncryptionHybrid:
		return km.decryptHybrid(env)
	default:
		return nil, fmt.Errorf("unknown encryption algorithm %q", env.Algorithm)
	}
}

func (km *KeyManager) encryptSymmetric(plaintext []byte) ([]byte, error) {
	key := km.currentSymmetric()
	if key == nil {
		return nil, fmt.Errorf("no symmetric key provisioned")
	}
	ciphertext, err := aesGCMEncrypt(key.Secret, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(EncryptedPayload{
		Encrypted: true, Algorithm: string(EncryptionSymmetric), KeyID: key.ID,
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

func (km *KeyManager) decryptSymmetric(env EncryptedPayload) ([]byte, error) {
	key, ok := km.findSymmetric(env.KeyID)
	if !ok {
		return nil, fmt.Errorf("symmetric key %q not found or expired out of retention", env.KeyID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return aesGCMDecrypt(key.Secret, ciphertext)
}

func (km *KeyManager) encryptAsymmetric(plaintext []byte) ([]byte, error) {
	pair := km.currentAsymmetric()
	if pair == nil {
		return nil, fmt.Errorf("no asymmetric key provisioned")
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &pair.Private.PublicKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	return json.Marshal(EncryptedPayload{
		Encrypted: true, Algorithm: string(EncryptionAsymmetric), KeyID: pair.ID,
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

func (km *KeyManager) decryptAsymmetric(env EncryptedPayload) ([]byte, error) {
	pair, ok := km.findAsymmetric(env.KeyID)
	if !ok {
		return nil, fmt.Errorf("asymmetric key %q not found or expired out of retention", env.KeyID)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, pair.Private, ciphertext, nil)
}

// encryptHybrid generates an ephemeral symmetric key, encrypts the payload
// with it, and wraps the ephemeral key with the current asymmetric public
// key. The wrapped key travels in encrypted_key; the data key never
// touches a retained generation, so only the asymmetric key_id needs to
// stay within the rotation window.
func (km *KeyManager) encryptHybrid(plaintext []byte) ([]byte, error) {
	pair := km.currentAsymmetric()
	if pair == nil {
		return nil, fmt.Errorf("no asymmetric key provisioned")
	}

	ephemeral := make([]byte, 32)
	if _, err := rand.Read(ephemeral); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	ciphertext, err := aesGCMEncrypt(ephemeral, plaintext)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &pair.Private.PublicKey, ephemeral, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap ephemeral key: %w", err)
	}

	return json.Marshal(EncryptedPayload{
		Encrypted: true, Algorithm: string(EncryptionHybrid), KeyID: pair.ID,
		Data:         base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedKey: base64.StdEncoding.EncodeToString(wrappedKey),
	})
}

func (km *KeyManager) decryptHybrid(env EncryptedPayload) ([]byte, error) {
	if env.EncryptedKey == "" {
		return nil, fmt.Errorf("hybrid envelope missing encrypted_key")
	}
	pair, ok := km.findAsymmetric(env.KeyID)
	if !ok {
		return nil, fmt.Errorf("asymmetric key %q not found or expired out of retention", env.KeyID)
	}
	wrappedKey, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted_key: %w", err)
	}
	ephemeral, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, pair.Private, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap ephemeral key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return aesGCMDecrypt(ephemeral, ciphertext)
}

// aesGCMEncrypt and aesGCMDecrypt are the AES-256-GCM primitives shared
// across the symmetric and hybrid schemes, carried over from the secrets
// manager's nonce-prepended convention.
func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
