// Package otpforge provides the authentication core of a multi-factor authentication
// server: token state machines for HOTP, TOTP, indexed-secret, push, and simple-pass
// tokens, challenge issuance and verification, counter synchronization, and the
// asynchronous push confirmation protocol (enrollment handshake, polling, signature
// verification, presence confirmation).
//
// The package is designed for concurrent server workloads: Engine methods are safe to
// call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// otpforge is the public surface. It exposes [Engine], [Builder], [Config], and value
// types (AuthRequest, AuthResult, ChallengeInfo, PollItem, etc.). The web/API layer,
// user directory resolution, policy matching, and push message delivery live outside
// this module: callers hand the engine already-parsed parameters and resolved policy
// values ([Policies]) and supply a [PushTransport] for notification delivery.
//
// # What this package must NOT do
//
//   - Expose Redis clients, store internals, or record encodings in its public API.
//   - Resolve users or evaluate policy matching rules; it only consumes resolved values.
//   - Surface to unauthenticated callers why an authentication attempt failed beyond
//     the generic verdict and challenge status.
//   - Log or return plaintext OTP secrets or private keys.
//
// # Security contract
//
// OTP comparison is constant-time. Stored OTP counters are monotonic after a
// successful check (anti-replay). Secret material is sealed with AES-GCM at rest and
// plaintext buffers are wiped after use on every path.
package otpforge
