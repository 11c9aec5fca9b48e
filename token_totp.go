package otpforge

import (
	"context"
	"time"
)

// totpHandler drives time-based OTP tokens. The token counter records the last
// accepted time step; any match at or below it is a replay, which also rejects
// re-presentation of the immediately prior step's value after an accept.
type totpHandler struct {
	baseHandler
	otp    *otpManager
	sealer *sealer
	cfg    TOTPConfig
}

func (h *totpHandler) Type() TokenType {
	return TypeTOTP
}

// CheckOTP describes the checkotp operation and its observable behavior.
func (h *totpHandler) CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error) {
	secret, err := h.sealer.Open(tok.SealedSecret)
	if err != nil {
		return false, err
	}
	defer secret.Wipe()

	center := h.otp.TimeCounter(now)
	res, err := h.otp.CheckSymmetric(secret.Bytes(), otp, center, h.cfg.Skew, tok.Digits, tok.Algorithm)
	if err != nil {
		return false, err
	}
	if !res.found {
		return false, nil
	}
	if tok.Counter > 0 && res.index <= tok.Counter {
		// Matched a step already consumed (or an earlier one still inside the
		// skew window): replay.
		return false, errReplay
	}

	tok.Counter = res.index
	return true, nil
}
