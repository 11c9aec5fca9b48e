package otpforge

import (
	"errors"
	"time"

	"github.com/otpforge/otpforge/pinhash"
	"github.com/redis/go-redis/v9"
)

// Builder defines a public type used by otpforge APIs.
//
// Builder instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  *redis.Client

	transport  PushTransport
	auditSink  AuditSink
	tokens     TokenStore
	challenges ChallengeStore
	clock      func() time.Time

	built bool
}

// New describes the new operation and its observable behavior.
//
// New may return an error when input validation, dependency calls, or security checks fail.
// New does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
//
// WithConfig may return an error when input validation, dependency calls, or security checks fail.
// WithConfig does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
//
// WithRedis may return an error when input validation, dependency calls, or security checks fail.
// WithRedis does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithPushTransport describes the withpushtransport operation and its observable behavior.
//
// WithPushTransport may return an error when input validation, dependency calls, or security checks fail.
// WithPushTransport does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithPushTransport(t PushTransport) *Builder {
	b.transport = t
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
//
// WithAuditSink may return an error when input validation, dependency calls, or security checks fail.
// WithAuditSink does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithTokenStore describes the withtokenstore operation and its observable behavior.
//
// WithTokenStore may return an error when input validation, dependency calls, or security checks fail.
// WithTokenStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithTokenStore(s TokenStore) *Builder {
	b.tokens = s
	return b
}

// WithChallengeStore describes the withchallengestore operation and its observable behavior.
//
// WithChallengeStore may return an error when input validation, dependency calls, or security checks fail.
// WithChallengeStore does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithChallengeStore(s ChallengeStore) *Builder {
	b.challenges = s
	return b
}

// WithClock describes the withclock operation and its observable behavior.
//
// WithClock may return an error when input validation, dependency calls, or security checks fail.
// WithClock does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
//
// WithMetricsEnabled may return an error when input validation, dependency calls, or security checks fail.
// WithMetricsEnabled does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or security checks fail.
// Build does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil && (b.tokens == nil || b.challenges == nil) {
		return nil, errors.New("redis client required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	sl, err := newSealer(cfg.Crypto.EncryptionKey)
	if err != nil {
		return nil, err
	}

	ph, err := pinhash.New(pinhash.Config{
		Memory:      cfg.PIN.Memory,
		Time:        cfg.PIN.Time,
		Parallelism: cfg.PIN.Parallelism,
		SaltLength:  cfg.PIN.SaltLength,
		KeyLength:   cfg.PIN.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	tokens := b.tokens
	if tokens == nil {
		tokens = newRedisTokenStore(b.redis, cfg.Challenge.RedisPrefix)
	}
	challenges := b.challenges
	if challenges == nil {
		challenges = newRedisChallengeStore(b.redis, cfg.Challenge.RedisPrefix, clock)
	}

	engine := &Engine{
		config:     cfg,
		tokens:     tokens,
		challenges: challenges,
		sealer:     sl,
		pinHash:    ph,
		clock:      clock,
	}

	engine.otp = newOTPManager(cfg.HOTP, cfg.TOTP)
	engine.push = &pushManager{
		cfg:        cfg.Push,
		issuer:     cfg.Issuer,
		sealer:     sl,
		challenges: challenges,
		transport:  b.transport,
		validity:   cfg.Challenge.Validity,
		clock:      clock,
	}
	if b.redis != nil && cfg.Push.PollMaxPerMinute > 0 {
		engine.lim = newPollLimiter(b.redis, cfg.Challenge.RedisPrefix, cfg.Push.PollMaxPerMinute)
	}
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	// -------- TOKEN TYPE HANDLERS --------
	engine.handlers = map[TokenType]tokenHandler{
		TypeHOTP:  &hotpHandler{otp: engine.otp, sealer: sl, cfg: cfg.HOTP},
		TypeTOTP:  &totpHandler{otp: engine.otp, sealer: sl, cfg: cfg.TOTP},
		TypePush:  &pushHandler{push: engine.push},
		TypeSPass: &spassHandler{},
		TypeIndexedSecret: &indexedHandler{
			sealer:     sl,
			cfg:        cfg.IndexedSecret,
			challenges: challenges,
			validity:   cfg.Challenge.Validity,
			clock:      clock,
		},
	}

	b.built = true

	return engine, nil
}
