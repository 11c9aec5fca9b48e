package otpforge

import (
	"errors"
	"strings"
	"time"
)

// Config defines a public type used by otpforge APIs.
//
// Config instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Config struct {
	HOTP          HOTPConfig
	TOTP          TOTPConfig
	IndexedSecret IndexedSecretConfig
	Push          PushConfig
	Challenge     ChallengeConfig
	PIN           PINConfig
	Crypto        CryptoConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
	Issuer        string
}

/*
====================================
HOTP CONFIG
====================================
*/

// HOTPConfig defines a public type used by otpforge APIs.
//
// HOTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type HOTPConfig struct {
	Digits    int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	// Window is the forward look-ahead scanned on an immediate check.
	Window int
	// AutoResync enables the two-step counter resynchronization protocol.
	AutoResync bool
	// SyncWindow is the larger forward window scanned during resync.
	SyncWindow int
	// ResyncTimeout bounds the gap between the two resync OTPs.
	ResyncTimeout time.Duration
	// MaxFailCount locks the token once its fail counter reaches it. Zero disables
	// locking.
	MaxFailCount uint16
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig defines a public type used by otpforge APIs.
//
// TOTPConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TOTPConfig struct {
	Digits    int
	Algorithm string
	// Period is the time step in seconds.
	Period int
	// Skew is the number of time steps accepted on each side of now.
	Skew int
}

/*
====================================
INDEXED SECRET CONFIG
====================================
*/

// IndexedSecretConfig defines a public type used by otpforge APIs.
//
// IndexedSecretConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type IndexedSecretConfig struct {
	// ChallengeText is the default prompt template; the per-call policy value
	// overrides it.
	ChallengeText string
}

/*
====================================
PUSH CONFIG
====================================
*/

// PushConfig defines a public type used by otpforge APIs.
//
// PushConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PushConfig struct {
	// RegistrationURL is the server endpoint the smartphone talks to for enrollment
	// step 2 and challenge confirmation.
	RegistrationURL string
	// EnrollmentTTL bounds the usability of the one-time enrollment credential.
	EnrollmentTTL time.Duration
	SSLVerify     bool
	// KeyBits is the server RSA key size generated at enrollment step 2.
	KeyBits int
	// TimestampWindow is the symmetric accepted skew for signed smartphone requests
	// (poll, transport-token update).
	TimestampWindow time.Duration
	Title           string
	Question        string
	// PresenceOptions is the number of options shown on a presence confirmation,
	// correct answer included.
	PresenceOptions int
	// WaitPollInterval is the store poll cadence of the synchronous wait mode.
	WaitPollInterval time.Duration
	// PollMaxPerMinute rate-limits the per-serial poll/confirm endpoints. Zero
	// disables the limiter.
	PollMaxPerMinute int
}

/*
====================================
CHALLENGE CONFIG
====================================
*/

// ChallengeConfig defines a public type used by otpforge APIs.
//
// ChallengeConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type ChallengeConfig struct {
	// Validity is the answer window of a freshly created challenge.
	Validity time.Duration
	// RedisPrefix namespaces challenge and token keys.
	RedisPrefix string
}

/*
====================================
PIN CONFIG
====================================
*/

// PINConfig defines a public type used by otpforge APIs.
//
// PINConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type PINConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
CRYPTO CONFIG
====================================
*/

// CryptoConfig defines a public type used by otpforge APIs.
//
// CryptoConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type CryptoConfig struct {
	// EncryptionKey seals token secrets and "password"-classified tokeninfo values
	// at rest. 16, 24, or 32 bytes.
	EncryptionKey []byte
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig defines a public type used by otpforge APIs.
//
// AuditConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

/*
====================================
METRICS CONFIG
====================================
*/

// MetricsConfig defines a public type used by otpforge APIs.
//
// MetricsConfig instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Issuer: "otpforge",
		HOTP: HOTPConfig{
			Digits:        6,
			Algorithm:     "SHA1",
			Window:        10,
			AutoResync:    false,
			SyncWindow:    1000,
			ResyncTimeout: 10 * time.Minute,
			MaxFailCount:  10,
		},
		TOTP: TOTPConfig{
			Digits:    6,
			Algorithm: "SHA1",
			Period:    30,
			Skew:      1,
		},
		IndexedSecret: IndexedSecretConfig{
			ChallengeText: "Please enter the positions {positions} from your secret.",
		},
		Push: PushConfig{
			EnrollmentTTL:    10 * time.Minute,
			SSLVerify:        true,
			KeyBits:          4096,
			TimestampWindow:  10 * time.Minute,
			Title:            "Authentication request",
			Question:         "Do you want to confirm the login?",
			PresenceOptions:  3,
			WaitPollInterval: 500 * time.Millisecond,
			PollMaxPerMinute: 30,
		},
		Challenge: ChallengeConfig{
			Validity:    2 * time.Minute,
			RedisPrefix: "otpf",
		},
		PIN: PINConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Crypto.EncryptionKey = cloneBytes(cfg.Crypto.EncryptionKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func validAlgorithm(alg string) bool {
	switch strings.ToUpper(alg) {
	case "", "SHA1", "SHA256", "SHA512":
		return true
	default:
		return false
	}
}

// Validate describes the validate operation and its observable behavior.
//
// Validate may return an error when input validation, dependency calls, or security checks fail.
// Validate does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (c *Config) Validate() error {
	switch len(c.Crypto.EncryptionKey) {
	case 16, 24, 32:
	default:
		return errors.New("Crypto.EncryptionKey must be 16, 24, or 32 bytes")
	}
	if c.HOTP.Digits < 6 || c.HOTP.Digits > 10 {
		return errors.New("HOTP.Digits must be between 6 and 10")
	}
	if !validAlgorithm(c.HOTP.Algorithm) {
		return errors.New("HOTP.Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.HOTP.Window <= 0 {
		return errors.New("HOTP.Window must be positive")
	}
	if c.HOTP.AutoResync {
		if c.HOTP.SyncWindow <= c.HOTP.Window {
			return errors.New("HOTP.SyncWindow must exceed HOTP.Window")
		}
		if c.HOTP.ResyncTimeout <= 0 {
			return errors.New("HOTP.ResyncTimeout must be positive")
		}
	}
	if c.TOTP.Digits < 6 || c.TOTP.Digits > 10 {
		return errors.New("TOTP.Digits must be between 6 and 10")
	}
	if !validAlgorithm(c.TOTP.Algorithm) {
		return errors.New("TOTP.Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.Period <= 0 {
		return errors.New("TOTP.Period must be positive")
	}
	if c.TOTP.Skew < 0 {
		return errors.New("TOTP.Skew must not be negative")
	}
	if c.Push.RegistrationURL == "" {
		return errors.New("Push.RegistrationURL required")
	}
	if c.Push.KeyBits < 2048 {
		return errors.New("Push.KeyBits must be at least 2048")
	}
	if c.Push.EnrollmentTTL <= 0 {
		return errors.New("Push.EnrollmentTTL must be positive")
	}
	if c.Push.TimestampWindow <= 0 {
		return errors.New("Push.TimestampWindow must be positive")
	}
	if c.Push.PresenceOptions < 2 {
		return errors.New("Push.PresenceOptions must be at least 2")
	}
	if c.Push.WaitPollInterval <= 0 {
		return errors.New("Push.WaitPollInterval must be positive")
	}
	if c.Challenge.Validity <= 0 {
		return errors.New("Challenge.Validity must be positive")
	}
	if c.Challenge.RedisPrefix == "" {
		return errors.New("Challenge.RedisPrefix required")
	}
	return nil
}
