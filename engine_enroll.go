package otpforge

import (
	"context"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
)

// EnrollToken describes the enrolltoken operation and its observable behavior.
//
// OTP token secrets are either generated server-side (GenKey) or imported from
// SecretHex. Push tokens ignore both and start the two-phase enrollment
// handshake instead: the returned PushEnrollURL carries the one-time
// enrollment credential and the token stays in clientwait until
// CompletePushEnrollment.
//
// EnrollToken may return an error when input validation, dependency calls, or security checks fail.
// EnrollToken does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) EnrollToken(ctx context.Context, req EnrollRequest) (*EnrollResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	if _, err := e.handlerFor(req.Type); err != nil {
		return nil, err
	}
	if !validAlgorithm(req.Algorithm) {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrParameter, req.Algorithm)
	}

	serial := req.Serial
	if serial == "" {
		var err error
		serial, err = newSerial(req.Type)
		if err != nil {
			return nil, err
		}
	}

	tok := &Token{
		Serial:       serial,
		Type:         req.Type,
		RolloutState: RolloutEnrolled,
		Active:       true,
	}
	if req.User != nil {
		tok.User = *req.User
	}
	if req.PIN != "" {
		hash, err := e.pinHash.Hash(req.PIN)
		if err != nil {
			return nil, err
		}
		tok.PINHash = hash
	}

	result := &EnrollResult{
		Serial: serial,
		Type:   req.Type,
	}

	switch req.Type {
	case TypeHOTP, TypeTOTP:
		if err := e.enrollOTP(tok, req, result); err != nil {
			return nil, err
		}
	case TypeIndexedSecret:
		if err := e.enrollIndexedSecret(tok, req); err != nil {
			return nil, err
		}
	case TypeSPass:
		if req.PIN == "" {
			return nil, fmt.Errorf("%w: simple-pass token requires a pin", ErrParameter)
		}
	case TypePush:
		enrollURL, err := e.push.StartEnrollment(tok)
		if err != nil {
			return nil, err
		}
		result.PushEnrollURL = enrollURL
		e.metricInc(MetricPushEnrollStarted)
	}
	result.RolloutState = tok.RolloutState

	if err := e.tokens.Create(ctx, tok); err != nil {
		return nil, err
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: "token_enrolled",
		Serial:    serial,
		TokenType: req.Type,
		UserID:    tok.User.UserID,
		Success:   true,
	})
	return result, nil
}

func (e *Engine) enrollOTP(tok *Token, req EnrollRequest, result *EnrollResult) error {
	var (
		raw []byte
		b32 string
		err error
	)
	if req.GenKey {
		raw, b32, err = e.otp.GenerateSecret()
		if err != nil {
			return err
		}
		result.SecretBase32 = b32
	} else {
		raw, err = hex.DecodeString(req.SecretHex)
		if err != nil || len(raw) == 0 {
			return fmt.Errorf("%w: secret must be non-empty hex", ErrParameter)
		}
		b32 = base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	}
	defer wipeBytes(raw)

	sealed, err := e.sealer.Seal(raw)
	if err != nil {
		return err
	}
	tok.SealedSecret = sealed

	tok.Digits = req.Digits
	tok.Algorithm = req.Algorithm
	if tok.Digits <= 0 {
		if req.Type == TypeTOTP {
			tok.Digits = e.config.TOTP.Digits
		} else {
			tok.Digits = e.config.HOTP.Digits
		}
	}
	if tok.Algorithm == "" {
		if req.Type == TypeTOTP {
			tok.Algorithm = e.config.TOTP.Algorithm
		} else {
			tok.Algorithm = e.config.HOTP.Algorithm
		}
	}

	account := tok.Serial
	if tok.User.UserID != "" {
		account = tok.User.UserID
	}
	result.OTPAuthURL = e.otp.ProvisionURI(req.Type, b32, e.config.Issuer, account, tok.Digits, tok.Algorithm)
	return nil
}

func (e *Engine) enrollIndexedSecret(tok *Token, req EnrollRequest) error {
	raw, err := hex.DecodeString(req.SecretHex)
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("%w: indexed secret must be non-empty hex", ErrParameter)
	}
	defer wipeBytes(raw)

	sealed, err := e.sealer.Seal(raw)
	if err != nil {
		return err
	}
	tok.SealedSecret = sealed
	return nil
}

// CompletePushEnrollment describes the completepushenrollment operation and its observable behavior.
//
// This is enrollment step 2, called with the payload the smartphone posts to
// the registration URL. On success the token becomes enrolled and active and
// the server's public key is returned for the smartphone to pin. Step 2 fails
// with ErrEnrollmentState when the token is not in clientwait, the credential
// is wrong, or the credential has expired; the three cases are deliberately
// indistinguishable to the caller.
//
// CompletePushEnrollment may return an error when input validation, dependency calls, or security checks fail.
// CompletePushEnrollment does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) CompletePushEnrollment(ctx context.Context, serial, enrollmentCredential, smartphonePubKeyPEM, transportToken string) (string, error) {
	if e == nil || e.tokens == nil {
		return "", ErrEngineNotReady
	}
	tok, err := e.tokens.Get(ctx, serial)
	if err != nil {
		return "", err
	}
	if tok.Type != TypePush {
		return "", ErrTokenType
	}

	if err := e.push.CompleteEnrollment(tok, enrollmentCredential, smartphonePubKeyPEM, transportToken); err != nil {
		if errors.Is(err, ErrEnrollmentState) {
			e.metricInc(MetricPushEnrollRejected)
			// An expired credential was purged from the tokeninfo; persist that
			// so the token cannot accumulate stale secrets.
			if serr := e.tokens.Save(ctx, tok); serr != nil && !errors.Is(serr, ErrTokenConflict) {
				log.Print("otpforge: enrollment state update failed for serial " + serial)
			}
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: "push_enroll_rejected",
			Serial:    serial,
			TokenType: TypePush,
			Error:     err.Error(),
		})
		return "", err
	}

	if err := e.tokens.Save(ctx, tok); err != nil {
		return "", err
	}

	e.metricInc(MetricPushEnrollCompleted)
	e.emitAudit(ctx, AuditEvent{
		EventType: "push_enroll_completed",
		Serial:    serial,
		TokenType: TypePush,
		Success:   true,
	})
	return tok.InfoGet(infoPubkeyServer), nil
}
