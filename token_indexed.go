package otpforge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// indexedHandler drives indexed-secret tokens: the server challenges for a set of
// 1-based character positions of the enrolled secret and the user answers with the
// characters at those positions, in the requested order.
type indexedHandler struct {
	baseHandler
	sealer     *sealer
	cfg        IndexedSecretConfig
	challenges ChallengeStore
	validity   time.Duration
	clock      func() time.Time
}

func (h *indexedHandler) Type() TokenType {
	return TypeIndexedSecret
}

// CheckOTP always misses: indexed-secret tokens only authenticate through the
// challenge-response path.
func (h *indexedHandler) CheckOTP(ctx context.Context, tok *Token, otp string, now time.Time) (bool, error) {
	return false, nil
}

// IsChallengeRequest describes the ischallengerequest operation and its observable behavior.
func (h *indexedHandler) IsChallengeRequest(tok *Token, pinOK bool, otp string) bool {
	return pinOK
}

// CreateChallenge describes the createchallenge operation and its observable behavior.
func (h *indexedHandler) CreateChallenge(ctx context.Context, tok *Token, transactionID string, pol Policies) (*ChallengeInfo, error) {
	secret, err := h.sealer.Open(tok.SealedSecret)
	if err != nil {
		return nil, err
	}
	defer secret.Wipe()

	count := pol.PositionCount
	if count <= 0 {
		count = 2
	}
	positions, err := pickPositions(len(secret.Bytes()), count)
	if err != nil {
		return nil, err
	}

	open, err := h.challenges.ListBySerial(ctx, tok.Serial)
	if err != nil {
		return nil, err
	}

	ch := &Challenge{
		Serial:        tok.Serial,
		TransactionID: transactionID,
		Data:          positionsToData(positions),
		Session:       fmt.Sprintf("round-%d", len(open)+1),
		CreatedAt:     h.clock().Unix(),
		ValiditySecs:  int32(h.validity.Seconds()),
	}
	if err := h.challenges.Create(ctx, ch); err != nil {
		return nil, err
	}

	return &ChallengeInfo{
		Serial:        tok.Serial,
		TransactionID: ch.TransactionID,
		Type:          TypeIndexedSecret,
		Message:       h.renderText(tok.Serial, positions, pol),
	}, nil
}

// CheckChallengeResponse describes the checkchallengeresponse operation and its observable behavior.
func (h *indexedHandler) CheckChallengeResponse(ctx context.Context, tok *Token, answer string, ch *Challenge, pol Policies) (bool, error) {
	positions, err := positionsFromData(ch.Data)
	if err != nil {
		return false, err
	}

	secret, err := h.sealer.Open(tok.SealedSecret)
	if err != nil {
		return false, err
	}
	defer secret.Wipe()

	return matchIndexedResponse(secret.Bytes(), positions, answer), nil
}

func (h *indexedHandler) renderText(serial string, positions []int, pol Policies) string {
	text := pol.ChallengeText
	if text == "" {
		text = h.cfg.ChallengeText
	}
	rendered := make([]string, len(positions))
	for i, p := range positions {
		rendered[i] = fmt.Sprintf("%d", p)
	}
	text = strings.ReplaceAll(text, "{serial}", serial)
	return strings.ReplaceAll(text, "{positions}", strings.Join(rendered, ", "))
}
