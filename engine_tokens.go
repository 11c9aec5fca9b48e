package otpforge

import (
	"context"
)

// GetToken describes the gettoken operation and its observable behavior.
//
// GetToken may return an error when input validation, dependency calls, or security checks fail.
// GetToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) GetToken(ctx context.Context, serial string) (*Token, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if serial == "" {
		return nil, ErrParameter
	}
	return e.tokens.Get(ctx, serial)
}

// ListUserTokens describes the listusertokens operation and its observable behavior.
//
// ListUserTokens may return an error when input validation, dependency calls, or security checks fail.
// ListUserTokens does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ListUserTokens(ctx context.Context, userID string) ([]*Token, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if userID == "" {
		return nil, ErrParameter
	}
	return e.tokens.GetByUser(ctx, userID)
}

// DeleteToken describes the deletetoken operation and its observable behavior.
//
// DeleteToken may return an error when input validation, dependency calls, or security checks fail.
// DeleteToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) DeleteToken(ctx context.Context, serial string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	if serial == "" {
		return ErrParameter
	}
	existed, err := e.tokens.Delete(ctx, serial)
	if err != nil {
		return err
	}
	if !existed {
		return ErrTokenNotFound
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: "token_deleted",
		Serial:    serial,
		Success:   true,
	})
	return nil
}

// SetTokenActive describes the settokenactive operation and its observable behavior.
//
// SetTokenActive may return an error when input validation, dependency calls, or security checks fail.
// SetTokenActive does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SetTokenActive(ctx context.Context, serial string, active bool) error {
	return e.mutateToken(ctx, serial, "token_active_changed", func(tok *Token) {
		tok.Active = active
	})
}

// ResetFailCount describes the resetfailcount operation and its observable behavior.
//
// ResetFailCount may return an error when input validation, dependency calls, or security checks fail.
// ResetFailCount does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ResetFailCount(ctx context.Context, serial string) error {
	return e.mutateToken(ctx, serial, "fail_count_reset", func(tok *Token) {
		tok.FailCount = 0
	})
}

// SetPIN describes the setpin operation and its observable behavior.
//
// An empty pin clears the stored hash, turning the token OTP-only.
//
// SetPIN may return an error when input validation, dependency calls, or security checks fail.
// SetPIN does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) SetPIN(ctx context.Context, serial, pin string) error {
	var hash string
	if pin != "" {
		var err error
		hash, err = e.pinHash.Hash(pin)
		if err != nil {
			return err
		}
	}
	return e.mutateToken(ctx, serial, "pin_changed", func(tok *Token) {
		tok.PINHash = hash
	})
}

func (e *Engine) mutateToken(ctx context.Context, serial, eventType string, mutate func(*Token)) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	if serial == "" {
		return ErrParameter
	}
	tok, err := e.tokens.Get(ctx, serial)
	if err != nil {
		return err
	}
	mutate(tok)
	if err := e.tokens.Save(ctx, tok); err != nil {
		return err
	}
	e.emitAudit(ctx, AuditEvent{
		EventType: eventType,
		Serial:    serial,
		TokenType: tok.Type,
		Success:   true,
	})
	return nil
}
