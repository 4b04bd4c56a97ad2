// Package security implements the bus's authentication, authorization,
// payload encryption, key rotation, and audit layer.
//
// A Manager is an independent, instance-owned object: no package-level
// key or identity state is read from within the core, so multiple
// Managers (or test doubles) can coexist in one process.
//
// AuthN recognizes two credential schemes: opaque API keys and signed
// bearer tokens (IssueBearerToken mints the latter). AuthZ runs a
// short-circuit decision cascade — IP policy, then a sliding 60-second
// per-user rate limit, then a global-permission or per-topic ACL check —
// documented on Authorize.
//
// Encryption is selectable per call among symmetric (AES-256-GCM),
// asymmetric (RSA-OAEP), and hybrid (ephemeral symmetric key wrapped
// with the asymmetric public key, the default scheme). KeyManager
// retains the last RetainedGenerations of each key type so ciphertext
// referencing a rotated-out key_id can still be decrypted until it ages
// out of the window.
//
// Every AuthenticateAndAudit/AuthorizeAndAudit call, and every
// Manager.Encrypt/Decrypt call while encryption is enabled, appends exactly
// one event to the bounded audit ring (auditRing), masking any detail value
// whose key looks like a credential before it is ever held in memory. The
// plain Authenticate and Authorize methods append no event, nor do
// Encrypt/Decrypt when encryption is disabled.
//
// See also: KeyManager, auditRing, aclStore, rateLimiter, ipPolicy.
package security
