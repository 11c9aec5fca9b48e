package otpforge

import (
	"context"
	"time"
)

// spassHandler drives simple-pass tokens: a correct PIN is the whole
// authentication. The orchestrator verifies the PIN before calling CheckOTP, so
// the only remaining condition is an empty OTP tail.
type spassHandler struct {
	baseHandler
}

func (h *spassHandler) Type() TokenType {
	return TypeSPass
}

// CheckOTP describes the checkotp operation and its observable behavior.
func (h *spassHandler) CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error) {
	return otp == "", nil
}
