package otpforge

import (
	"context"
	"time"
)

// TokenType defines a public type used by otpforge APIs.
//
// TokenType instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type TokenType string

const (
	// TypeHOTP is an exported constant or variable used by the token engine.
	TypeHOTP TokenType = "hotp"
	// TypeTOTP is an exported constant or variable used by the token engine.
	TypeTOTP TokenType = "totp"
	// TypeIndexedSecret is an exported constant or variable used by the token engine.
	TypeIndexedSecret TokenType = "indexedsecret"
	// TypePush is an exported constant or variable used by the token engine.
	TypePush TokenType = "push"
	// TypeSPass is an exported constant or variable used by the token engine.
	TypeSPass TokenType = "spass"
)

// RolloutState defines a public type used by otpforge APIs.
//
// RolloutState instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type RolloutState string

const (
	// RolloutClientWait is an exported constant or variable used by the token engine.
	RolloutClientWait RolloutState = "clientwait"
	// RolloutEnrolled is an exported constant or variable used by the token engine.
	RolloutEnrolled RolloutState = "enrolled"
)

// ChallengeStatus defines a public type used by otpforge APIs.
//
// It is the canonical tri-state (plus expiry) for a challenge and is surfaced
// identically by the synchronous wait path and the polling path.
type ChallengeStatus uint8

const (
	// ChallengeOpen is an exported constant or variable used by the token engine.
	ChallengeOpen ChallengeStatus = iota
	// ChallengeAccepted is an exported constant or variable used by the token engine.
	ChallengeAccepted
	// ChallengeDeclined is an exported constant or variable used by the token engine.
	ChallengeDeclined
	// ChallengeExpired is an exported constant or variable used by the token engine.
	ChallengeExpired
)

// String describes the string operation and its observable behavior.
func (s ChallengeStatus) String() string {
	switch s {
	case ChallengeOpen:
		return "open"
	case ChallengeAccepted:
		return "accepted"
	case ChallengeDeclined:
		return "declined"
	case ChallengeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Verdict defines a public type used by otpforge APIs.
//
// Verdict instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type Verdict uint8

const (
	// VerdictReject is an exported constant or variable used by the token engine.
	VerdictReject Verdict = iota
	// VerdictAccept is an exported constant or variable used by the token engine.
	VerdictAccept
	// VerdictChallenge is an exported constant or variable used by the token engine.
	VerdictChallenge
	// VerdictDeclined is an exported constant or variable used by the token engine.
	VerdictDeclined
)

// String describes the string operation and its observable behavior.
func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictChallenge:
		return "challenge"
	case VerdictDeclined:
		return "declined"
	default:
		return "reject"
	}
}

// Policies carries externally-resolved policy values for one authentication attempt.
//
// The engine never evaluates policy matching rules; the excluded policy layer resolves
// them per user/realm and passes the outcome here. Use [DefaultPolicies] as the base.
type Policies struct {
	// RequirePresence demands a presence confirmation for push challenges.
	RequirePresence bool
	// PresenceAlphabet is "A-Z", "0-9", or a colon-separated custom option list.
	PresenceAlphabet string
	// AllowPolling permits the smartphone poll endpoint for this token.
	AllowPolling bool
	// WaitSeconds, when positive, blocks the check call waiting for push confirmation.
	WaitSeconds int
	// ChallengeText templates the challenge message; "{serial}" and "{positions}"
	// placeholders are substituted.
	ChallengeText string
	// PositionCount is the number of indexed-secret positions requested per challenge.
	PositionCount int
	// MaxChallengeAttempts bounds response attempts per challenge.
	MaxChallengeAttempts int
}

// DefaultPolicies describes the defaultpolicies operation and its observable behavior.
func DefaultPolicies() Policies {
	return Policies{
		PresenceAlphabet:     "A-Z",
		AllowPolling:         true,
		PositionCount:        2,
		MaxChallengeAttempts: 3,
	}
}

// UserRef identifies an externally-resolved user. The engine never resolves users.
type UserRef struct {
	UserID   string
	Realm    string
	Resolver string
}

// AuthRequest defines a public type used by otpforge APIs.
//
// Exactly one of UserID or Serial selects the candidate tokens. A non-empty
// TransactionID marks the request as a follow-up answer to issued challenges.
type AuthRequest struct {
	UserID        string
	Serial        string
	Password      string
	TransactionID string
	Policies      Policies
}

// ChallengeInfo is the per-token entry of an AuthResult multi_challenge list.
type ChallengeInfo struct {
	Serial        string            `json:"serial"`
	TransactionID string            `json:"transaction_id"`
	Type          TokenType         `json:"type"`
	Message       string            `json:"message"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// AuthResult defines a public type used by otpforge APIs.
//
// AuthResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type AuthResult struct {
	Verdict         Verdict         `json:"verdict"`
	Serial          string          `json:"serial,omitempty"`
	Message         string          `json:"message"`
	TransactionID   string          `json:"transaction_id,omitempty"`
	MultiChallenge  []ChallengeInfo `json:"multi_challenge,omitempty"`
	ChallengeStatus ChallengeStatus `json:"challenge_status"`
}

// Accepted describes the accepted operation and its observable behavior.
func (r *AuthResult) Accepted() bool {
	return r != nil && r.Verdict == VerdictAccept
}

// Notification is the payload handed to the push transport. Signature covers
// nonce|url|serial|question|title|sslverify with the server private key.
type Notification struct {
	Nonce     string `json:"nonce"`
	URL       string `json:"url"`
	Serial    string `json:"serial"`
	Question  string `json:"question"`
	Title     string `json:"title"`
	SSLVerify string `json:"sslverify"`
	Signature string `json:"signature"`
}

// PushTransport delivers a notification to a device endpoint. Delivery is
// best-effort: a returned error must not carry past the protocol layer unless
// polling is disallowed for the token.
type PushTransport interface {
	Send(ctx context.Context, target string, n Notification) error
}

// PollItem is one pending challenge returned by the poll endpoint, signed by the
// server so the app can verify origin without a push notification ever arriving.
type PollItem struct {
	Nonce     string `json:"nonce"`
	URL       string `json:"url"`
	Serial    string `json:"serial"`
	Question  string `json:"question"`
	Title     string `json:"title"`
	SSLVerify string `json:"sslverify"`
	Signature string `json:"signature"`
}

// PushConfirmRequest carries a smartphone's answer to a push challenge.
type PushConfirmRequest struct {
	Serial         string
	Nonce          string
	Signature      string
	Decline        bool
	PresenceAnswer string
}

// EnrollRequest defines a public type used by otpforge APIs.
//
// EnrollRequest instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EnrollRequest struct {
	Type TokenType
	// Serial is optional; a type-prefixed serial is generated when empty.
	Serial string
	// GenKey requests server-side secret generation. When false SecretHex must be set
	// (ignored for push tokens, which always generate their own key material).
	GenKey    bool
	SecretHex string
	Digits    int
	Algorithm string
	PIN       string
	User      *UserRef
}

// EnrollResult defines a public type used by otpforge APIs.
//
// EnrollResult instances are intended to be configured during initialization and then treated as immutable unless documented otherwise.
type EnrollResult struct {
	Serial string
	Type   TokenType
	// SecretBase32 is only populated when the secret was generated server-side for an
	// OTP token; this is the caller's single chance to read it.
	SecretBase32 string
	// OTPAuthURL provisions HOTP/TOTP authenticator apps.
	OTPAuthURL string
	// PushEnrollURL is the step-1 payload a push client scans; it embeds the one-time
	// enrollment credential and its time-to-live.
	PushEnrollURL string
	RolloutState  RolloutState
}

// Token is the per-token mutable state record.
//
// Secret material is held sealed; handlers unseal it transiently and wipe the
// plaintext. Counter is monotonic non-decreasing after a successful check.
type Token struct {
	Serial       string
	Type         TokenType
	SealedSecret []byte
	Counter      int64
	FailCount    uint16
	Digits       int
	Algorithm    string
	PINHash      string
	RolloutState RolloutState
	Active       bool
	User         UserRef
	Info         map[string]string
	// EncryptedInfo names the Info keys whose values are sealed at rest
	// ("password"-classified values).
	EncryptedInfo map[string]bool
	// Version implements optimistic concurrency in the token store.
	Version uint32
}

// InfoGet describes the infoget operation and its observable behavior.
func (t *Token) InfoGet(key string) string {
	if t == nil || t.Info == nil {
		return ""
	}
	return t.Info[key]
}

// InfoSet describes the infoset operation and its observable behavior.
func (t *Token) InfoSet(key, value string) {
	if t.Info == nil {
		t.Info = make(map[string]string)
	}
	t.Info[key] = value
}

// InfoDelete describes the infodelete operation and its observable behavior.
func (t *Token) InfoDelete(key string) {
	if t == nil || t.Info == nil {
		return
	}
	delete(t.Info, key)
	if t.EncryptedInfo != nil {
		delete(t.EncryptedInfo, key)
	}
}

// Challenge is one challenge record keyed by (serial, transaction id).
type Challenge struct {
	Serial        string
	TransactionID string
	// Data is the opaque type-specific payload: position indices for indexed-secret,
	// the random nonce for push.
	Data string
	// Options is the comma-joinable presence option list; the correct answer is
	// always the last element.
	Options []string
	Session string
	// ReceivedCount is the number of response attempts seen so far.
	ReceivedCount uint16
	Status        ChallengeStatus
	CreatedAt     int64
	ValiditySecs  int32
}

// ExpiresAt describes the expiresat operation and its observable behavior.
func (c *Challenge) ExpiresAt() time.Time {
	return time.Unix(c.CreatedAt+int64(c.ValiditySecs), 0)
}

// IsValid reports whether the challenge is still answerable at now: unexpired and
// not yet resolved.
func (c *Challenge) IsValid(now time.Time) bool {
	if c == nil || c.Status != ChallengeOpen {
		return false
	}
	return now.Before(c.ExpiresAt())
}

// TokenStore is the repository boundary for token records. The bundled Redis
// implementation is used unless the caller supplies its own persistence.
type TokenStore interface {
	Get(ctx context.Context, serial string) (*Token, error)
	GetByUser(ctx context.Context, userID string) ([]*Token, error)
	// Save persists the record iff the stored version still matches
	// token.Version, then bumps it. ErrTokenConflict signals a lost race.
	Save(ctx context.Context, token *Token) error
	Create(ctx context.Context, token *Token) error
	Delete(ctx context.Context, serial string) (bool, error)
}

// ChallengeStore is the repository boundary for challenge records.
type ChallengeStore interface {
	Create(ctx context.Context, ch *Challenge) error
	Get(ctx context.Context, serial, transactionID string) (*Challenge, error)
	// ListByTransaction returns all challenges grouped under one transaction id,
	// across different serials.
	ListByTransaction(ctx context.Context, transactionID string) ([]*Challenge, error)
	ListBySerial(ctx context.Context, serial string) ([]*Challenge, error)
	// RecordAttempt increments the received count and, on success, resolves the
	// challenge. exceeded reports that the failure budget is spent.
	RecordAttempt(ctx context.Context, serial, transactionID string, success bool, maxAttempts int) (exceeded bool, err error)
	// MarkStatus force-sets a terminal status (accepted on confirm, declined on
	// user refusal).
	MarkStatus(ctx context.Context, serial, transactionID string, status ChallengeStatus) error
	// Janitor deletes expired and resolved-and-consumed challenges for a serial.
	Janitor(ctx context.Context, serial string) error
	Delete(ctx context.Context, serial, transactionID string) (bool, error)
}
