package otpforge

import (
	"context"
	"time"
)

// pushHandler adapts the push confirmation protocol to the per-type handler
// surface. Push tokens never authenticate through CheckOTP: a correct PIN only
// opens a challenge, and the decision arrives out of band through the
// smartphone confirmation endpoints.
type pushHandler struct {
	baseHandler
	push *pushManager
}

func (h *pushHandler) Type() TokenType { return TypePush }

func (h *pushHandler) CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error) {
	return false, nil
}

func (h *pushHandler) IsChallengeRequest(tok *Token, pinOK bool, otp string) bool {
	return pinOK && tok.RolloutState == RolloutEnrolled
}

func (h *pushHandler) CreateChallenge(ctx context.Context, tok *Token, transactionID string, pol Policies) (*ChallengeInfo, error) {
	return h.push.CreateChallenge(ctx, tok, transactionID, pol)
}

// CheckChallengeResponse reports whether the smartphone has already accepted
// the challenge. The caller asks this on the follow-up authentication request;
// the signature verification itself happened earlier in ConfirmPush.
func (h *pushHandler) CheckChallengeResponse(ctx context.Context, tok *Token, answer string, ch *Challenge, pol Policies) (bool, error) {
	return ch.Status == ChallengeAccepted, nil
}
