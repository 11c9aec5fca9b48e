package otpforge

import (
	"context"
	"errors"
	"log"
	"time"
)

// CheckCredential describes the checkcredential operation and its observable behavior.
//
// A request without a TransactionID is a first authentication attempt: the
// candidate tokens of the user (or the single token named by Serial) are tried
// against the presented password. The first matching token wins and the scan
// stops. Challenge-response tokens whose PIN matched do not decide immediately;
// they open challenges under one shared transaction id instead.
//
// A request with a TransactionID is the follow-up answer to those challenges.
//
// CheckCredential may return an error when input validation, dependency calls, or security checks fail.
// CheckCredential does not mutate shared global state and can be used concurrently when the receiver and dependencies are concurrently safe.
func (e *Engine) CheckCredential(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metricObserve(MetricCheckLatency, time.Since(start))
	}()

	if req.UserID == "" && req.Serial == "" {
		return nil, ErrParameter
	}

	pol := e.normalizePolicies(req.Policies)
	if pol.WaitSeconds > 0 && pol.RequirePresence {
		// A blocked check call has no channel to carry the presence answer back,
		// so the two policies cannot be combined.
		log.Print("otpforge: wait mode cannot use presence confirmation, presence disabled")
		pol.RequirePresence = false
	}

	candidates, err := e.loadCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.TransactionID != "" {
		return e.checkTransaction(ctx, req, pol, candidates)
	}
	return e.checkFirstRequest(ctx, req, pol, candidates)
}

func (e *Engine) normalizePolicies(pol Policies) Policies {
	def := DefaultPolicies()
	if pol.PresenceAlphabet == "" {
		pol.PresenceAlphabet = def.PresenceAlphabet
	}
	if pol.PositionCount <= 0 {
		pol.PositionCount = def.PositionCount
	}
	if pol.MaxChallengeAttempts <= 0 {
		pol.MaxChallengeAttempts = def.MaxChallengeAttempts
	}
	return pol
}

func (e *Engine) loadCandidates(ctx context.Context, req AuthRequest) ([]*Token, error) {
	if req.Serial != "" {
		tok, err := e.tokens.Get(ctx, req.Serial)
		if err != nil {
			return nil, err
		}
		return []*Token{tok}, nil
	}
	return e.tokens.GetByUser(ctx, req.UserID)
}

func (e *Engine) checkFirstRequest(ctx context.Context, req AuthRequest, pol Policies, candidates []*Token) (*AuthResult, error) {
	now := e.clock()
	var challengeReady []*Token

	for _, tok := range candidates {
		if !tok.Active || tok.locked(e.config.HOTP.MaxFailCount) {
			continue
		}
		h, herr := e.handlerFor(tok.Type)
		if herr != nil {
			continue
		}

		pin, otp := splitPINOTP(tok, req.Password)
		pinOK, perr := e.pinMatches(tok, pin)
		if perr != nil {
			log.Print("otpforge: pin check failed for serial " + tok.Serial + ": " + perr.Error())
			continue
		}

		if h.IsChallengeRequest(tok, pinOK, otp) {
			challengeReady = append(challengeReady, tok)
			continue
		}
		if !pinOK {
			e.registerFailure(ctx, tok)
			continue
		}

		hadStash := tok.Type == TypeHOTP && tok.InfoGet(infoResyncCounter) != ""
		ok, cerr := h.CheckOTP(ctx, tok, otp, now)
		if cerr != nil {
			if errors.Is(cerr, errReplay) {
				e.metricInc(MetricReplayDetected)
				e.registerFailure(ctx, tok)
				continue
			}
			// A broken token must not veto its siblings.
			log.Print("otpforge: otp check failed for serial " + tok.Serial + ": " + cerr.Error())
			continue
		}
		if tok.Type == TypeHOTP {
			if !hadStash && tok.InfoGet(infoResyncCounter) != "" {
				e.metricInc(MetricResyncStarted)
			}
			if hadStash && ok {
				e.metricInc(MetricResyncCompleted)
			}
		}
		if ok {
			return e.finishAccept(ctx, req, tok, ChallengeOpen)
		}
		e.registerFailure(ctx, tok)
	}

	if len(challengeReady) > 0 {
		result, err := e.openChallenges(ctx, req, pol, challengeReady)
		if err != nil {
			return nil, err
		}
		if pol.WaitSeconds > 0 {
			return e.waitForConfirmation(ctx, req, pol, result)
		}
		return result, nil
	}

	e.metricInc(MetricCheckReject)
	e.emitAudit(ctx, AuditEvent{
		EventType: "check_reject",
		Serial:    req.Serial,
		UserID:    req.UserID,
	})
	return &AuthResult{
		Verdict: VerdictReject,
		Message: "wrong otp pin",
	}, nil
}

func (e *Engine) pinMatches(tok *Token, pin string) (bool, error) {
	if tok.PINHash == "" {
		return pin == "", nil
	}
	return e.pinHash.Verify(pin, tok.PINHash)
}

func (e *Engine) registerFailure(ctx context.Context, tok *Token) {
	wasLocked := tok.locked(e.config.HOTP.MaxFailCount)
	tok.FailCount++
	if !wasLocked && tok.locked(e.config.HOTP.MaxFailCount) {
		e.metricInc(MetricTokenLocked)
		e.emitAudit(ctx, AuditEvent{
			EventType: "token_locked",
			Serial:    tok.Serial,
			TokenType: tok.Type,
		})
	}
	if err := e.tokens.Save(ctx, tok); err != nil && !errors.Is(err, ErrTokenConflict) {
		log.Print("otpforge: fail counter update failed for serial " + tok.Serial)
	}
}

func (e *Engine) finishAccept(ctx context.Context, req AuthRequest, tok *Token, status ChallengeStatus) (*AuthResult, error) {
	tok.FailCount = 0
	if err := e.tokens.Save(ctx, tok); err != nil {
		// Without the persisted counter advance the accepted OTP would stay
		// replayable, so the accept cannot stand.
		return nil, err
	}
	e.metricInc(MetricCheckAccept)
	e.emitAudit(ctx, AuditEvent{
		EventType:     "check_accept",
		Serial:        tok.Serial,
		TokenType:     tok.Type,
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Success:       true,
	})
	return &AuthResult{
		Verdict:         VerdictAccept,
		Serial:          tok.Serial,
		Message:         "matching 1 tokens",
		TransactionID:   req.TransactionID,
		ChallengeStatus: status,
	}, nil
}

// openChallenges fans out one challenge per ready token under a single
// transaction id. Tokens whose challenge creation fails are skipped; the
// transport error only surfaces when no challenge at all could be opened.
func (e *Engine) openChallenges(ctx context.Context, req AuthRequest, pol Policies, ready []*Token) (*AuthResult, error) {
	transactionID := newTransactionID()

	var (
		infos    []ChallengeInfo
		firstErr error
	)
	for _, tok := range ready {
		h, herr := e.handlerFor(tok.Type)
		if herr != nil {
			continue
		}
		info, cerr := h.CreateChallenge(ctx, tok, transactionID, pol)
		if cerr != nil {
			if firstErr == nil {
				firstErr = cerr
			}
			if errors.Is(cerr, ErrTransportUnavailable) {
				e.metricInc(MetricPushSendFailed)
			}
			log.Print("otpforge: challenge creation failed for serial " + tok.Serial + ": " + cerr.Error())
			continue
		}
		e.metricInc(MetricChallengeCreated)
		if tok.Type == TypePush {
			e.metricInc(MetricPushSent)
		}
		e.emitAudit(ctx, AuditEvent{
			EventType:     "challenge_created",
			Serial:        tok.Serial,
			TokenType:     tok.Type,
			TransactionID: transactionID,
			UserID:        req.UserID,
			Success:       true,
		})
		infos = append(infos, *info)
	}

	if len(infos) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, ErrChallengeBackend
	}

	return &AuthResult{
		Verdict:         VerdictChallenge,
		Message:         infos[0].Message,
		TransactionID:   transactionID,
		MultiChallenge:  infos,
		ChallengeStatus: ChallengeOpen,
	}, nil
}

// checkTransaction resolves a follow-up request against the challenges of its
// transaction. Any accepted challenge wins; an explicit decline outranks a
// still-pending one.
func (e *Engine) checkTransaction(ctx context.Context, req AuthRequest, pol Policies, candidates []*Token) (*AuthResult, error) {
	open, err := e.challenges.ListByTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	bySerial := make(map[string]*Challenge, len(open))
	for _, ch := range open {
		bySerial[ch.Serial] = ch
	}

	// Every challenge-response check sweeps the involved serials, whichever
	// way it resolves. Expired and consumed sibling records must not stay
	// readable for the remainder of the retention window.
	defer func() {
		for serial := range bySerial {
			if err := e.challenges.Janitor(ctx, serial); err != nil {
				log.Print("otpforge: challenge cleanup failed for serial " + serial)
			}
		}
	}()

	now := e.clock()
	var (
		anyFound     bool
		declinedSeen bool
		pendingSeen  bool
		expiredSeen  bool
	)

	for _, tok := range candidates {
		ch, ok := bySerial[tok.Serial]
		if !ok {
			continue
		}
		anyFound = true

		switch ch.Status {
		case ChallengeAccepted:
			return e.acceptChallenge(ctx, req, tok)
		case ChallengeDeclined:
			declinedSeen = true
			continue
		}
		if !ch.IsValid(now) {
			expiredSeen = true
			continue
		}

		h, herr := e.handlerFor(tok.Type)
		if herr != nil {
			continue
		}
		if tok.Type == TypePush {
			// The decision arrives out of band; an open push challenge stays
			// pending no matter what the follow-up password carries.
			pendingSeen = true
			continue
		}

		ok, cerr := h.CheckChallengeResponse(ctx, tok, req.Password, ch, pol)
		if cerr != nil {
			log.Print("otpforge: challenge response check failed for serial " + tok.Serial + ": " + cerr.Error())
			continue
		}
		exceeded, rerr := e.challenges.RecordAttempt(ctx, tok.Serial, req.TransactionID, ok, pol.MaxChallengeAttempts)
		if rerr != nil {
			if errors.Is(rerr, ErrChallengeExpired) {
				expiredSeen = true
			}
			continue
		}
		if ok {
			e.metricInc(MetricChallengeAccepted)
			return e.acceptChallenge(ctx, req, tok)
		}
		if exceeded {
			e.metricInc(MetricChallengeAttemptsExceeded)
		}
	}

	if !anyFound {
		return nil, ErrChallengeNotFound
	}

	switch {
	case declinedSeen:
		e.metricInc(MetricChallengeDeclined)
		e.emitAudit(ctx, AuditEvent{
			EventType:     "challenge_declined",
			TransactionID: req.TransactionID,
			UserID:        req.UserID,
		})
		return &AuthResult{
			Verdict:         VerdictDeclined,
			Message:         "challenge declined",
			TransactionID:   req.TransactionID,
			ChallengeStatus: ChallengeDeclined,
		}, nil
	case pendingSeen:
		return &AuthResult{
			Verdict:         VerdictReject,
			Message:         "authentication pending",
			TransactionID:   req.TransactionID,
			ChallengeStatus: ChallengeOpen,
		}, nil
	case expiredSeen:
		e.metricInc(MetricCheckReject)
		return &AuthResult{
			Verdict:         VerdictReject,
			Message:         "challenge expired",
			TransactionID:   req.TransactionID,
			ChallengeStatus: ChallengeExpired,
		}, nil
	}

	e.metricInc(MetricCheckReject)
	return &AuthResult{
		Verdict:         VerdictReject,
		Message:         "wrong challenge response",
		TransactionID:   req.TransactionID,
		ChallengeStatus: ChallengeOpen,
	}, nil
}

func (e *Engine) acceptChallenge(ctx context.Context, req AuthRequest, tok *Token) (*AuthResult, error) {
	if err := e.challenges.Janitor(ctx, tok.Serial); err != nil {
		log.Print("otpforge: challenge cleanup failed for serial " + tok.Serial)
	}
	return e.finishAccept(ctx, req, tok, ChallengeAccepted)
}

// waitForConfirmation blocks the check call until a challenge of the freshly
// opened transaction resolves or the wait budget runs out. No locks are held
// while sleeping; every tick re-reads the store.
func (e *Engine) waitForConfirmation(ctx context.Context, req AuthRequest, pol Policies, opened *AuthResult) (*AuthResult, error) {
	deadline := time.Now().Add(time.Duration(pol.WaitSeconds) * time.Second)
	ticker := time.NewTicker(e.config.Push.WaitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		chs, err := e.challenges.ListByTransaction(ctx, opened.TransactionID)
		if err != nil {
			log.Print("otpforge: wait poll failed: " + err.Error())
		}
		for _, ch := range chs {
			switch ch.Status {
			case ChallengeAccepted:
				tok, terr := e.tokens.Get(ctx, ch.Serial)
				if terr != nil {
					return nil, terr
				}
				followUp := req
				followUp.TransactionID = opened.TransactionID
				return e.acceptChallenge(ctx, followUp, tok)
			case ChallengeDeclined:
				e.metricInc(MetricChallengeDeclined)
				return &AuthResult{
					Verdict:         VerdictDeclined,
					Message:         "challenge declined",
					TransactionID:   opened.TransactionID,
					ChallengeStatus: ChallengeDeclined,
				}, nil
			}
		}

		if time.Now().After(deadline) {
			e.metricInc(MetricCheckReject)
			return &AuthResult{
				Verdict:         VerdictReject,
				Message:         "authentication pending",
				TransactionID:   opened.TransactionID,
				MultiChallenge:  opened.MultiChallenge,
				ChallengeStatus: ChallengeOpen,
			}, nil
		}
	}
}
