package otpforge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// tokenHandler is the per-type behavior behind the shared token lifecycle. Every
// token type implements the subset it needs; baseHandler supplies safe defaults
// (no challenge support) for the rest.
//
// Handlers mutate the in-memory token (counter advance, resync stash, fail count)
// and leave persistence to the orchestrator, which performs one check-and-set save
// per check.
type tokenHandler interface {
	Type() TokenType
	// CheckOTP verifies a presented OTP value. ok=false with nil error is the
	// regular no-match outcome.
	CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error)
	// IsChallengeRequest reports whether the presented password asks for a
	// challenge instead of an immediate check.
	IsChallengeRequest(tok *Token, pinOK bool, otp string) bool
	// CreateChallenge issues a challenge for this token under the given
	// transaction id.
	CreateChallenge(ctx context.Context, tok *Token, transactionID string, pol Policies) (*ChallengeInfo, error)
	// CheckChallengeResponse verifies an answer against one open challenge.
	CheckChallengeResponse(ctx context.Context, tok *Token, answer string, ch *Challenge, pol Policies) (bool, error)
}

// baseHandler carries the no-challenge defaults.
type baseHandler struct{}

func (baseHandler) IsChallengeRequest(*Token, bool, string) bool {
	return false
}

func (baseHandler) CreateChallenge(context.Context, *Token, string, Policies) (*ChallengeInfo, error) {
	return nil, ErrTokenType
}

func (baseHandler) CheckChallengeResponse(context.Context, *Token, string, *Challenge, Policies) (bool, error) {
	return false, ErrTokenType
}

var serialPrefixes = map[TokenType]string{
	TypeHOTP:          "OATH",
	TypeTOTP:          "TOTP",
	TypeIndexedSecret: "PIIX",
	TypePush:          "PIPU",
	TypeSPass:         "PISP",
}

func newSerial(tokenType TokenType) (string, error) {
	prefix, ok := serialPrefixes[tokenType]
	if !ok {
		return "", ErrTokenType
	}
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + strings.ToUpper(hex.EncodeToString(raw)), nil
}

// splitPINOTP separates a presented password into PIN prefix and OTP tail using
// the token's configured OTP length. Simple-pass tokens consume the whole value
// as PIN.
func splitPINOTP(tok *Token, password string) (pin, otp string) {
	if tok.Type == TypeSPass || tok.Digits <= 0 {
		return password, ""
	}
	if len(password) < tok.Digits {
		return password, ""
	}
	cut := len(password) - tok.Digits
	return password[:cut], password[cut:]
}

// locked reports whether the fail counter reached the lockout threshold.
func (t *Token) locked(maxFailCount uint16) bool {
	return maxFailCount > 0 && t.FailCount >= maxFailCount
}
