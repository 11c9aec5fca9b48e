package otpforge

import "errors"

var (
	// ErrEngineNotReady is an exported constant or variable used by the token engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrParameter is an exported constant or variable used by the token engine.
	ErrParameter = errors.New("missing or malformed parameter")
	// ErrPollingDenied is an exported constant or variable used by the token engine.
	ErrPollingDenied = errors.New("polling denied by policy")
	// ErrPollRateLimited is an exported constant or variable used by the token engine.
	ErrPollRateLimited = errors.New("polling rate limited")
	// ErrTokenNotFound is an exported constant or variable used by the token engine.
	ErrTokenNotFound = errors.New("token not found")
	// ErrTokenExists is an exported constant or variable used by the token engine.
	ErrTokenExists = errors.New("token serial already exists")
	// ErrTokenType is an exported constant or variable used by the token engine.
	ErrTokenType = errors.New("unsupported token type")
	// ErrTokenConflict is an exported constant or variable used by the token engine.
	ErrTokenConflict = errors.New("concurrent token update conflict")
	// ErrTokenBackend is an exported constant or variable used by the token engine.
	ErrTokenBackend = errors.New("token backend unavailable")
	// ErrChallengeNotFound is an exported constant or variable used by the token engine.
	ErrChallengeNotFound = errors.New("challenge not found")
	// ErrChallengeExpired is an exported constant or variable used by the token engine.
	ErrChallengeExpired = errors.New("challenge expired")
	// ErrChallengeAttempts is an exported constant or variable used by the token engine.
	ErrChallengeAttempts = errors.New("challenge attempts exceeded")
	// ErrChallengeBackend is an exported constant or variable used by the token engine.
	ErrChallengeBackend = errors.New("challenge backend unavailable")
	// ErrEnrollmentState is an exported constant or variable used by the token engine.
	//
	// Enrollment step 2 outside clientwait, a wrong or tampered enrollment credential,
	// and an expired enrollment credential all surface this same error so the caller
	// cannot distinguish which precondition failed.
	ErrEnrollmentState = errors.New("push enrollment rejected: invalid rollout state or credential")
	// ErrTimestampOutOfRange is an exported constant or variable used by the token engine.
	ErrTimestampOutOfRange = errors.New("request timestamp outside accepted window")
	// ErrSignatureInvalid is an exported constant or variable used by the token engine.
	ErrSignatureInvalid = errors.New("signature verification failed")
	// ErrPresenceMismatch is an exported constant or variable used by the token engine.
	//
	// The confirmation carried a valid signature but a wrong or missing presence
	// answer. Callers report it as a logical reject, not a security failure.
	ErrPresenceMismatch = errors.New("presence answer mismatch")
	// ErrTransportUnavailable is an exported constant or variable used by the token engine.
	ErrTransportUnavailable = errors.New("push transport unavailable")
	// ErrKeyMaterial is an exported constant or variable used by the token engine.
	ErrKeyMaterial = errors.New("malformed stored key material")
)

// errReplay never escapes the engine; the orchestrator turns it into a plain
// reject after counting it.
var errReplay = errors.New("otp value already consumed")
