package otpforge

import (
	"context"
	"errors"
	"log"
)

// ConfirmPush describes the confirmpush operation and its observable behavior.
//
// The smartphone answers an open push challenge, identified by serial + nonce.
// The signature is verified against the smartphone's enrolled public key; a
// valid decline marks the challenge declined, a valid accept (with the correct
// presence answer when one was demanded) marks it accepted. A signature failure
// surfaces ErrSignatureInvalid; a validly signed wrong presence answer surfaces
// ErrPresenceMismatch. Both leave the challenge open.
//
// ConfirmPush may return an error when input validation, dependency calls, or security checks fail.
// ConfirmPush does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) ConfirmPush(ctx context.Context, req PushConfirmRequest) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	if req.Serial == "" || req.Nonce == "" || req.Signature == "" {
		return ErrParameter
	}
	if err := e.recordPollUse(ctx, req.Serial); err != nil {
		return err
	}

	tok, err := e.tokens.Get(ctx, req.Serial)
	if err != nil {
		return err
	}
	if tok.Type != TypePush {
		return ErrTokenType
	}
	if tok.RolloutState != RolloutEnrolled {
		return ErrEnrollmentState
	}

	ch, err := e.findOpenChallenge(ctx, req.Serial, req.Nonce)
	if err != nil {
		return err
	}

	outcome, verr := e.push.VerifyConfirm(tok, ch, req)
	if verr != nil {
		e.metricInc(MetricSignatureRejected)
		e.emitAudit(ctx, AuditEvent{
			EventType:     "push_confirm_rejected",
			Serial:        req.Serial,
			TokenType:     TypePush,
			TransactionID: ch.TransactionID,
			Error:         verr.Error(),
		})
		return verr
	}

	switch outcome {
	case confirmAccepted:
		if err := e.challenges.MarkStatus(ctx, req.Serial, ch.TransactionID, ChallengeAccepted); err != nil {
			return err
		}
		e.metricInc(MetricPushConfirmAccepted)
		e.emitAudit(ctx, AuditEvent{
			EventType:     "push_confirm_accepted",
			Serial:        req.Serial,
			TokenType:     TypePush,
			TransactionID: ch.TransactionID,
			Success:       true,
		})
		return nil
	case confirmDeclined:
		if err := e.challenges.MarkStatus(ctx, req.Serial, ch.TransactionID, ChallengeDeclined); err != nil {
			return err
		}
		e.metricInc(MetricPushConfirmDeclined)
		e.emitAudit(ctx, AuditEvent{
			EventType:     "push_confirm_declined",
			Serial:        req.Serial,
			TokenType:     TypePush,
			TransactionID: ch.TransactionID,
		})
		return nil
	}

	// Valid signature, wrong or missing presence answer.
	e.metricInc(MetricPresenceMismatch)
	e.emitAudit(ctx, AuditEvent{
		EventType:     "push_confirm_rejected",
		Serial:        req.Serial,
		TokenType:     TypePush,
		TransactionID: ch.TransactionID,
		Error:         ErrPresenceMismatch.Error(),
	})
	return ErrPresenceMismatch
}

func (e *Engine) findOpenChallenge(ctx context.Context, serial, nonce string) (*Challenge, error) {
	chs, err := e.challenges.ListBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	for _, ch := range chs {
		if ch.Data != nonce {
			continue
		}
		if ch.Status != ChallengeOpen {
			return nil, ErrChallengeNotFound
		}
		if !ch.IsValid(now) {
			return nil, ErrChallengeExpired
		}
		return ch, nil
	}
	return nil, ErrChallengeNotFound
}

// PollChallenges describes the pollchallenges operation and its observable behavior.
//
// The smartphone fetches its pending push challenges when no notification
// arrived. The request timestamp is bounds-checked before any signature or
// store work; the signature covers serial|timestamp.
//
// PollChallenges may return an error when input validation, dependency calls, or security checks fail.
// PollChallenges does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) PollChallenges(ctx context.Context, serial, timestamp, signature string, pol Policies) ([]PollItem, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if serial == "" || timestamp == "" || signature == "" {
		return nil, ErrParameter
	}
	if !pol.AllowPolling {
		return nil, ErrPollingDenied
	}
	e.metricInc(MetricPollRequests)
	if err := e.recordPollUse(ctx, serial); err != nil {
		return nil, err
	}
	if err := e.push.CheckTimestamp(timestamp); err != nil {
		e.metricInc(MetricTimestampRejected)
		return nil, err
	}

	tok, err := e.tokens.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if tok.Type != TypePush {
		return nil, ErrTokenType
	}
	if tok.RolloutState != RolloutEnrolled {
		return nil, ErrEnrollmentState
	}

	if err := e.push.verifyAsSmartphone(tok, serial+"|"+timestamp, signature); err != nil {
		e.metricInc(MetricSignatureRejected)
		return nil, err
	}

	return e.push.PendingChallenges(ctx, tok)
}

// UpdatePushToken describes the updatepushtoken operation and its observable behavior.
//
// Rotates the stored transport target of a push token. Same replay guard as
// polling; the signature covers newToken|serial|timestamp.
//
// UpdatePushToken may return an error when input validation, dependency calls, or security checks fail.
// UpdatePushToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) UpdatePushToken(ctx context.Context, serial, newTransportToken, timestamp, signature string) error {
	if e == nil || e.tokens == nil {
		return ErrEngineNotReady
	}
	if serial == "" || newTransportToken == "" || timestamp == "" || signature == "" {
		return ErrParameter
	}
	if err := e.recordPollUse(ctx, serial); err != nil {
		return err
	}
	if err := e.push.CheckTimestamp(timestamp); err != nil {
		e.metricInc(MetricTimestampRejected)
		return err
	}

	tok, err := e.tokens.Get(ctx, serial)
	if err != nil {
		return err
	}
	if tok.Type != TypePush {
		return ErrTokenType
	}
	if tok.RolloutState != RolloutEnrolled {
		return ErrEnrollmentState
	}

	payload := newTransportToken + "|" + serial + "|" + timestamp
	if err := e.push.verifyAsSmartphone(tok, payload, signature); err != nil {
		e.metricInc(MetricSignatureRejected)
		return err
	}

	tok.InfoSet(infoTransportToken, newTransportToken)
	if err := e.tokens.Save(ctx, tok); err != nil {
		return err
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: "push_transport_updated",
		Serial:    serial,
		TokenType: TypePush,
		Success:   true,
	})
	return nil
}

func (e *Engine) recordPollUse(ctx context.Context, serial string) error {
	if e.lim == nil {
		return nil
	}
	err := e.lim.Record(ctx, serial)
	if errors.Is(err, ErrPollRateLimited) {
		e.metricInc(MetricPollRateLimited)
		return err
	}
	if err != nil {
		// Limiter backend trouble must not take authentication down.
		log.Print("otpforge: poll limiter unavailable: " + err.Error())
	}
	return nil
}
