package otpforge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Tokeninfo keys of the push token lifecycle.
const (
	infoEnrollCredential = "enrollment_credential"
	infoEnrollExpiry     = "enrollment_credential_expiry"
	infoPubkeyPhone      = "public_key_smartphone"
	infoPubkeyServer     = "public_key_server"
	infoTransportToken   = "firebase_token"
)

const enrollCredentialBytes = 20

// pushManager implements the asynchronous push confirmation protocol: the
// two-phase enrollment handshake and the sign/verify cycle for challenges,
// including the presence-confirmation variant and the polling fallback.
type pushManager struct {
	cfg        PushConfig
	issuer     string
	sealer     *sealer
	challenges ChallengeStore
	transport  PushTransport
	validity   time.Duration
	clock      func() time.Time
}

/*
====================================
ENROLLMENT
====================================
*/

// StartEnrollment runs step 1: mints the one-time enrollment credential, parks
// the token in clientwait, and returns the enrollment URL for the client device.
func (p *pushManager) StartEnrollment(tok *Token) (string, error) {
	raw := make([]byte, enrollCredentialBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	credential := hex.EncodeToString(raw)

	sealed, err := p.sealer.SealString(credential)
	if err != nil {
		return "", err
	}
	tok.InfoSet(infoEnrollCredential, sealed)
	if tok.EncryptedInfo == nil {
		tok.EncryptedInfo = make(map[string]bool)
	}
	tok.EncryptedInfo[infoEnrollCredential] = true
	expiry := p.clock().Add(p.cfg.EnrollmentTTL)
	tok.InfoSet(infoEnrollExpiry, strconv.FormatInt(expiry.Unix(), 10))
	tok.RolloutState = RolloutClientWait
	tok.Active = false

	return p.enrollURL(tok.Serial, credential), nil
}

func (p *pushManager) enrollURL(serial, credential string) string {
	v := url.Values{}
	v.Set("url", p.cfg.RegistrationURL)
	v.Set("serial", serial)
	v.Set("ttl", strconv.Itoa(int(p.cfg.EnrollmentTTL.Minutes())))
	v.Set("issuer", p.issuer)
	v.Set("enrollment_credential", credential)
	v.Set("sslverify", sslVerifyFlag(p.cfg.SSLVerify))

	label := url.PathEscape(p.issuer + ":" + serial)
	return "otpauth://pipush/" + label + "?" + v.Encode()
}

// CompleteEnrollment runs step 2. It only succeeds while the token is in
// clientwait with a live, matching enrollment credential; the credential is
// deleted on success (one-time use) so a replayed step-2 request fails.
func (p *pushManager) CompleteEnrollment(tok *Token, credential, pubkeyPEM, transportToken string) error {
	if credential == "" || pubkeyPEM == "" || transportToken == "" {
		return ErrParameter
	}
	if tok.RolloutState != RolloutClientWait {
		return ErrEnrollmentState
	}

	sealed := tok.InfoGet(infoEnrollCredential)
	if sealed == "" {
		return ErrEnrollmentState
	}
	stored, err := p.sealer.OpenString(sealed)
	if err != nil {
		return err
	}
	defer stored.Wipe()

	expiryRaw := tok.InfoGet(infoEnrollExpiry)
	expiry, perr := strconv.ParseInt(expiryRaw, 10, 64)
	if perr != nil || p.clock().Unix() > expiry {
		tok.InfoDelete(infoEnrollCredential)
		tok.InfoDelete(infoEnrollExpiry)
		return ErrEnrollmentState
	}
	if subtle.ConstantTimeCompare(stored.Bytes(), []byte(credential)) != 1 {
		return ErrEnrollmentState
	}

	if _, err := parseRSAPublicKey(pubkeyPEM); err != nil {
		return fmt.Errorf("%w: smartphone public key: %v", ErrParameter, err)
	}

	serverKey, err := rsa.GenerateKey(rand.Reader, p.cfg.KeyBits)
	if err != nil {
		return err
	}
	privPEM, err := marshalRSAPrivateKey(serverKey)
	if err != nil {
		return err
	}
	pubPEM, err := marshalRSAPublicKey(&serverKey.PublicKey)
	if err != nil {
		return err
	}
	sealedPriv, err := p.sealer.Seal(privPEM)
	wipeBytes(privPEM)
	if err != nil {
		return err
	}

	// The server private key reuses the token's encrypted-secret slot; there is
	// no shared OTP secret for push tokens.
	tok.SealedSecret = sealedPriv
	tok.InfoSet(infoPubkeyServer, string(pubPEM))
	tok.InfoSet(infoPubkeyPhone, pubkeyPEM)
	tok.InfoSet(infoTransportToken, transportToken)
	tok.InfoDelete(infoEnrollCredential)
	tok.InfoDelete(infoEnrollExpiry)
	tok.RolloutState = RolloutEnrolled
	tok.Active = true

	return nil
}

/*
====================================
CHALLENGE PHASE
====================================
*/

// CreateChallenge issues a push challenge: random nonce, optional presence
// option list (correct answer last), server-signed notification, best-effort
// delivery. Delivery failure only aborts when polling is disallowed, in which
// case no challenge is persisted.
func (p *pushManager) CreateChallenge(ctx context.Context, tok *Token, transactionID string, pol Policies) (*ChallengeInfo, error) {
	nonceRaw := make([]byte, 20)
	if _, err := rand.Read(nonceRaw); err != nil {
		return nil, err
	}
	nonce := hex.EncodeToString(nonceRaw)

	var options []string
	if pol.RequirePresence {
		var err error
		options, err = buildPresenceOptions(pol.PresenceAlphabet, p.cfg.PresenceOptions)
		if err != nil {
			return nil, err
		}
	}

	n := Notification{
		Nonce:     nonce,
		URL:       p.cfg.RegistrationURL,
		Serial:    tok.Serial,
		Question:  p.cfg.Question,
		Title:     p.cfg.Title,
		SSLVerify: sslVerifyFlag(p.cfg.SSLVerify),
	}
	sig, err := p.signAsServer(tok, n.Nonce, n.URL, n.Serial, n.Question, n.Title, n.SSLVerify)
	if err != nil {
		return nil, err
	}
	n.Signature = sig

	target := tok.InfoGet(infoTransportToken)
	if sendErr := p.send(ctx, target, n); sendErr != nil {
		if !pol.AllowPolling {
			return nil, fmt.Errorf("%w: %v", ErrTransportUnavailable, sendErr)
		}
		log.Print("otpforge: push delivery failed, client must poll")
	}

	ch := &Challenge{
		Serial:        tok.Serial,
		TransactionID: transactionID,
		Data:          nonce,
		Options:       options,
		CreatedAt:     p.clock().Unix(),
		ValiditySecs:  int32(p.validity.Seconds()),
	}
	if err := p.challenges.Create(ctx, ch); err != nil {
		return nil, err
	}

	info := &ChallengeInfo{
		Serial:        tok.Serial,
		TransactionID: ch.TransactionID,
		Type:          TypePush,
		Message:       "Please confirm the authentication on your mobile device!",
	}
	if len(options) > 0 {
		info.Attributes = map[string]string{
			"presence_options": strings.Join(options, ","),
		}
	}
	return info, nil
}

func (p *pushManager) send(ctx context.Context, target string, n Notification) error {
	if p.transport == nil {
		return errors.New("no push transport configured")
	}
	if target == "" {
		return errors.New("token has no transport target")
	}
	return p.transport.Send(ctx, target, n)
}

// buildPresenceOptions expands the policy alphabet ("A-Z", "0-9", or a
// colon-separated custom list) and returns count distinct options with the
// correct answer as the last element.
func buildPresenceOptions(alphabet string, count int) ([]string, error) {
	var pool []string
	switch alphabet {
	case "", "A-Z":
		for c := 'A'; c <= 'Z'; c++ {
			pool = append(pool, string(c))
		}
	case "0-9":
		for c := '0'; c <= '9'; c++ {
			pool = append(pool, string(c))
		}
	default:
		for _, opt := range strings.Split(alphabet, ":") {
			opt = strings.TrimSpace(opt)
			if opt != "" {
				pool = append(pool, opt)
			}
		}
	}
	if count > len(pool) {
		return nil, fmt.Errorf("%w: presence alphabet smaller than option count", ErrParameter)
	}

	picked := make([]string, 0, count)
	for len(picked) < count {
		idx, err := randomIndex(len(pool))
		if err != nil {
			return nil, err
		}
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked, nil
}

func randomIndex(n int) (int, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return 0, err
	}
	v := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	if v < 0 {
		v = -v
	}
	return v % n, nil
}

/*
====================================
CONFIRMATION
====================================
*/

// confirmOutcome is the logical result of one confirmation message.
type confirmOutcome uint8

const (
	confirmRejected confirmOutcome = iota
	confirmAccepted
	confirmDeclined
)

// VerifyConfirm checks a smartphone's answer against one open challenge. The
// signature is verified against the smartphone's stored public key
// (PKCS1v15/SHA-256 over nonce|serial, extended by the presence answer or the
// decline marker). A presence mismatch is a logical reject, not an error.
func (p *pushManager) VerifyConfirm(tok *Token, ch *Challenge, req PushConfirmRequest) (confirmOutcome, error) {
	parts := []string{ch.Data, tok.Serial}
	switch {
	case req.Decline:
		parts = append(parts, "decline")
	case req.PresenceAnswer != "":
		parts = append(parts, req.PresenceAnswer)
	}
	if err := p.verifyAsSmartphone(tok, strings.Join(parts, "|"), req.Signature); err != nil {
		return confirmRejected, err
	}

	if req.Decline {
		return confirmDeclined, nil
	}

	if len(ch.Options) > 0 {
		correct := ch.Options[len(ch.Options)-1]
		if req.PresenceAnswer == "" ||
			subtle.ConstantTimeCompare([]byte(req.PresenceAnswer), []byte(correct)) != 1 {
			log.Print("otpforge: presence answer missing or wrong for serial " + tok.Serial)
			return confirmRejected, nil
		}
	}

	return confirmAccepted, nil
}

/*
====================================
POLLING AND TOKEN UPDATE
====================================
*/

// CheckTimestamp enforces the replay guard on signed smartphone requests: the
// ISO-8601 timestamp must parse and lie within the symmetric window of server
// time. Rejection happens before any signature verification.
func (p *pushManager) CheckTimestamp(raw string) error {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTimestampOutOfRange, err)
	}
	delta := p.clock().Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > p.cfg.TimestampWindow {
		return ErrTimestampOutOfRange
	}
	return nil
}

// PendingChallenges returns the open, unexpired challenges of a serial as
// server-signed poll items.
func (p *pushManager) PendingChallenges(ctx context.Context, tok *Token) ([]PollItem, error) {
	open, err := p.challenges.ListBySerial(ctx, tok.Serial)
	if err != nil {
		return nil, err
	}

	now := p.clock()
	items := make([]PollItem, 0, len(open))
	for _, ch := range open {
		if !ch.IsValid(now) {
			continue
		}
		item := PollItem{
			Nonce:     ch.Data,
			URL:       p.cfg.RegistrationURL,
			Serial:    tok.Serial,
			Question:  p.cfg.Question,
			Title:     p.cfg.Title,
			SSLVerify: sslVerifyFlag(p.cfg.SSLVerify),
		}
		sig, err := p.signAsServer(tok, item.Nonce, item.URL, item.Serial, item.Question, item.Title, item.SSLVerify)
		if err != nil {
			return nil, err
		}
		item.Signature = sig
		items = append(items, item)
	}
	return items, nil
}

/*
====================================
SIGNING PRIMITIVES
====================================
*/

func (p *pushManager) signAsServer(tok *Token, parts ...string) (string, error) {
	secret, err := p.sealer.Open(tok.SealedSecret)
	if err != nil {
		return "", err
	}
	defer secret.Wipe()

	key, err := parseRSAPrivateKey(secret.Bytes())
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256([]byte(strings.Join(parts, "|")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return encodeBase64(sig), nil
}

func (p *pushManager) verifyAsSmartphone(tok *Token, payload, signatureB64 string) error {
	pubPEM := tok.InfoGet(infoPubkeyPhone)
	if pubPEM == "" {
		return ErrKeyMaterial
	}
	pub, err := parseRSAPublicKey(pubPEM)
	if err != nil {
		return err
	}
	sig, err := decodeBase64(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	digest := sha256.Sum256([]byte(payload))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKeyMaterial)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrKeyMaterial)
	}
	return pub, nil
}

func parseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrKeyMaterial)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrKeyMaterial)
	}
	return key, nil
}

func marshalRSAPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func marshalRSAPublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func sslVerifyFlag(verify bool) string {
	if verify {
		return "1"
	}
	return "0"
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
