package otpforge

import (
	"context"
	"time"
)

// hotpHandler drives event-based OTP tokens: forward window check, counter
// advance past the matched index, and the two-step auto-resync fallback.
type hotpHandler struct {
	baseHandler
	otp    *otpManager
	sealer *sealer
	cfg    HOTPConfig
}

func (h *hotpHandler) Type() TokenType {
	return TypeHOTP
}

// CheckOTP describes the checkotp operation and its observable behavior.
//
// On a match the stored counter is set to matched index + 1, so the same or any
// earlier OTP can never be accepted again.
func (h *hotpHandler) CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error) {
	secret, err := h.sealer.Open(tok.SealedSecret)
	if err != nil {
		return false, err
	}
	defer secret.Wipe()

	res, err := h.otp.CheckForward(secret.Bytes(), otp, tok.Counter, h.cfg.Window, tok.Digits, tok.Algorithm)
	if err != nil {
		return false, err
	}
	if res.found {
		tok.Counter = res.index + 1
		clearResyncStash(tok)
		return true, nil
	}

	if !h.cfg.AutoResync {
		return false, nil
	}
	res, err = h.otp.checkResync(tok, secret.Bytes(), otp, now)
	if err != nil {
		return false, err
	}
	if !res.found {
		return false, nil
	}
	tok.Counter = res.index + 1
	return true, nil
}
