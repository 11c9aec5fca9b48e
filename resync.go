package otpforge

import (
	"strconv"
	"time"
)

// Tokeninfo keys of the pending resync stash.
const (
	infoResyncCounter = "otp1c"
	infoResyncDue     = "dueDate"
)

// checkResync runs the two-step HOTP counter resynchronization. A lone OTP found
// somewhere in the sync window is never accepted directly: it is stashed, and only
// a second OTP at exactly the next counter, presented before the due date, resolves
// the resync. Failed attempts clear the stash.
//
// The returned match is only found on the accepting second step; the caller then
// advances the token counter past it.
func (m *otpManager) checkResync(tok *Token, secret []byte, otp string, now time.Time) (matchResult, error) {
	res, err := m.CheckForward(secret, otp, tok.Counter, m.hotp.SyncWindow, tok.Digits, tok.Algorithm)
	if err != nil {
		return noMatch(), err
	}
	if !res.found {
		clearResyncStash(tok)
		return noMatch(), nil
	}

	stashRaw := tok.InfoGet(infoResyncCounter)
	dueRaw := tok.InfoGet(infoResyncDue)
	if stashRaw == "" {
		stashResync(tok, res.index, now.Add(m.hotp.ResyncTimeout))
		return noMatch(), nil
	}

	stash, perr := strconv.ParseInt(stashRaw, 10, 64)
	due, derr := time.Parse(time.RFC3339, dueRaw)
	if perr != nil || derr != nil || now.After(due) || res.index != stash+1 {
		clearResyncStash(tok)
		return noMatch(), nil
	}

	clearResyncStash(tok)
	return res, nil
}

func stashResync(tok *Token, index int64, due time.Time) {
	tok.InfoSet(infoResyncCounter, strconv.FormatInt(index, 10))
	tok.InfoSet(infoResyncDue, due.UTC().Format(time.RFC3339))
}

func clearResyncStash(tok *Token) {
	tok.InfoDelete(infoResyncCounter)
	tok.InfoDelete(infoResyncDue)
}
