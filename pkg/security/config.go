package security

import "time"

// EncryptionScheme selects the payload encryption strategy.
type EncryptionScheme string

const (
	EncryptionSymmetric  EncryptionScheme = "symmetric"
	EncryptionAsymmetric EncryptionScheme = "asymmetric"
	EncryptionHybrid     EncryptionScheme = "hybrid"
)

// Config is the security manager's closed option set.
type Config struct {
	EncryptionEnabled bool
	DefaultScheme     EncryptionScheme
	AsymmetricKeyBits int

	KeyRotationInterval time.Duration
	RetainedGenerations int

	MaxRequestsPerMinute int
	RateLimitWindow      time.Duration
	RateLimitSweep       time.Duration

	AuditRingSize int

	MetricsEnabled bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		EncryptionEnabled:    true,
		DefaultScheme:        EncryptionHybrid,
		AsymmetricKeyBits:    2048,
		KeyRotationInterval:  24 * time.Hour,
		RetainedGenerations:  2,
		MaxRequestsPerMinute: 600,
		RateLimitWindow:      60 * time.Second,
		RateLimitSweep:       5 * time.Minute,
		AuditRingSize:        10_000,
		MetricsEnabled:       true,
	}
}
