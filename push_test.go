package otpforge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func genSmartphoneKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey failed: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pubPEM)
}

func signAsPhone(t *testing.T, key *rsa.PrivateKey, parts ...string) string {
	t.Helper()
	digest := sha256.Sum256([]byte(strings.Join(parts, "|")))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15 failed: %v", err)
	}
	return encodeBase64(sig)
}

func credentialFromEnrollURL(t *testing.T, enrollURL string) string {
	t.Helper()
	u, err := url.Parse(enrollURL)
	if err != nil {
		t.Fatalf("parse enroll url failed: %v", err)
	}
	credential := u.Query().Get("enrollment_credential")
	if credential == "" {
		t.Fatalf("enroll url %q carries no credential", enrollURL)
	}
	return credential
}

func enrollPushToken(t *testing.T, engine *Engine, serial string) (*rsa.PrivateKey, string) {
	t.Helper()
	ctx := context.Background()

	result := enrollTestToken(t, engine, EnrollRequest{
		Type:   TypePush,
		Serial: serial,
		PIN:    "1234",
		User:   &UserRef{UserID: "alice"},
	})
	if result.RolloutState != RolloutClientWait {
		t.Fatalf("expected clientwait after step 1, got %s", result.RolloutState)
	}

	credential := credentialFromEnrollURL(t, result.PushEnrollURL)
	phoneKey, phonePub := genSmartphoneKey(t)

	serverPub, err := engine.CompletePushEnrollment(ctx, serial, credential, phonePub, "fbtoken-1")
	if err != nil {
		t.Fatalf("CompletePushEnrollment failed: %v", err)
	}
	if serverPub == "" {
		t.Fatal("expected server public key from step 2")
	}
	return phoneKey, serverPub
}

func TestPushEnrollmentTwoStep(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()
	ctx := context.Background()

	result := enrollTestToken(t, engine, EnrollRequest{
		Type:   TypePush,
		Serial: "PIPU0001",
		User:   &UserRef{UserID: "alice"},
	})

	credential := credentialFromEnrollURL(t, result.PushEnrollURL)
	// 20 random bytes, hex encoded.
	if len(credential) < 40 {
		t.Fatalf("enrollment credential too short: %d", len(credential))
	}
	if !strings.HasPrefix(result.PushEnrollURL, "otpauth://pipush/") {
		t.Fatalf("unexpected enroll url %q", result.PushEnrollURL)
	}

	tok, err := engine.GetToken(ctx, "PIPU0001")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if tok.RolloutState != RolloutClientWait || tok.Active {
		t.Fatalf("expected inactive clientwait token, got %+v", tok)
	}
	// The stored credential is sealed, never plaintext.
	if strings.Contains(tok.InfoGet(infoEnrollCredential), credential) {
		t.Fatal("credential must not be stored in the clear")
	}

	_, phonePub := genSmartphoneKey(t)
	serverPub, err := engine.CompletePushEnrollment(ctx, "PIPU0001", credential, phonePub, "fbtoken-1")
	if err != nil {
		t.Fatalf("CompletePushEnrollment failed: %v", err)
	}
	if _, err := parseRSAPublicKey(serverPub); err != nil {
		t.Fatalf("server public key unparseable: %v", err)
	}

	tok, err = engine.GetToken(ctx, "PIPU0001")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if tok.RolloutState != RolloutEnrolled || !tok.Active {
		t.Fatalf("expected active enrolled token, got %+v", tok)
	}
	if tok.InfoGet(infoEnrollCredential) != "" {
		t.Fatal("credential must be deleted after completion")
	}
	if tok.InfoGet(infoTransportToken) != "fbtoken-1" {
		t.Fatal("transport token not stored")
	}
}

func TestPushEnrollmentRejectsWrongCredential(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()

	enrollTestToken(t, engine, EnrollRequest{Type: TypePush, Serial: "PIPU0001"})

	_, phonePub := genSmartphoneKey(t)
	_, err := engine.CompletePushEnrollment(context.Background(), "PIPU0001", strings.Repeat("ab", 20), phonePub, "fbtoken-1")
	if !errors.Is(err, ErrEnrollmentState) {
		t.Fatalf("expected ErrEnrollmentState, got %v", err)
	}
}

func TestPushEnrollmentCredentialIsSingleUse(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()
	ctx := context.Background()

	result := enrollTestToken(t, engine, EnrollRequest{Type: TypePush, Serial: "PIPU0001"})
	credential := credentialFromEnrollURL(t, result.PushEnrollURL)
	_, phonePub := genSmartphoneKey(t)

	if _, err := engine.CompletePushEnrollment(ctx, "PIPU0001", credential, phonePub, "fbtoken-1"); err != nil {
		t.Fatalf("CompletePushEnrollment failed: %v", err)
	}
	if _, err := engine.CompletePushEnrollment(ctx, "PIPU0001", credential, phonePub, "fbtoken-1"); !errors.Is(err, ErrEnrollmentState) {
		t.Fatalf("expected ErrEnrollmentState on replay, got %v", err)
	}
}

func TestPushEnrollmentCredentialExpires(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()

	result := enrollTestToken(t, engine, EnrollRequest{Type: TypePush, Serial: "PIPU0001"})
	credential := credentialFromEnrollURL(t, result.PushEnrollURL)

	clock.Advance(engineTestConfig().Push.EnrollmentTTL + time.Minute)

	_, phonePub := genSmartphoneKey(t)
	_, err := engine.CompletePushEnrollment(context.Background(), "PIPU0001", credential, phonePub, "fbtoken-1")
	// An expired credential is indistinguishable from a wrong one.
	if !errors.Is(err, ErrEnrollmentState) {
		t.Fatalf("expected ErrEnrollmentState, got %v", err)
	}
}

func TestPushChallengeAndConfirmAccept(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, serverPub := enrollPushToken(t, engine, "PIPU0001")

	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234"})
	if err != nil {
		t.Fatalf("CheckCredential failed: %v", err)
	}
	if result.Verdict != VerdictChallenge {
		t.Fatalf("expected challenge, got %+v", result)
	}

	n := transport.last(t)
	if n.Serial != "PIPU0001" || n.Nonce == "" || n.Signature == "" {
		t.Fatalf("unexpected notification %+v", n)
	}

	// The notification signature must verify against the server public key.
	pub, err := parseRSAPublicKey(serverPub)
	if err != nil {
		t.Fatalf("parseRSAPublicKey failed: %v", err)
	}
	payload := strings.Join([]string{n.Nonce, n.URL, n.Serial, n.Question, n.Title, n.SSLVerify}, "|")
	digest := sha256.Sum256([]byte(payload))
	sig, err := decodeBase64(n.Signature)
	if err != nil {
		t.Fatalf("decode signature failed: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("notification signature invalid: %v", err)
	}

	// Before the confirmation the transaction is pending.
	pending, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "", TransactionID: result.TransactionID})
	if err != nil {
		t.Fatalf("pending check failed: %v", err)
	}
	if pending.Accepted() || pending.ChallengeStatus != ChallengeOpen {
		t.Fatalf("expected pending, got %+v", pending)
	}

	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:    "PIPU0001",
		Nonce:     n.Nonce,
		Signature: signAsPhone(t, phoneKey, n.Nonce, "PIPU0001"),
	}); err != nil {
		t.Fatalf("ConfirmPush failed: %v", err)
	}

	accepted, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "", TransactionID: result.TransactionID})
	if err != nil {
		t.Fatalf("follow-up failed: %v", err)
	}
	if !accepted.Accepted() || accepted.ChallengeStatus != ChallengeAccepted {
		t.Fatalf("expected accept, got %+v", accepted)
	}
}

func TestPushConfirmDecline(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234"})
	if err != nil || result.Verdict != VerdictChallenge {
		t.Fatalf("result=%+v err=%v", result, err)
	}
	n := transport.last(t)

	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:    "PIPU0001",
		Nonce:     n.Nonce,
		Decline:   true,
		Signature: signAsPhone(t, phoneKey, n.Nonce, "PIPU0001", "decline"),
	}); err != nil {
		t.Fatalf("ConfirmPush decline failed: %v", err)
	}

	declined, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "", TransactionID: result.TransactionID})
	if err != nil {
		t.Fatalf("follow-up failed: %v", err)
	}
	if declined.Verdict != VerdictDeclined || declined.ChallengeStatus != ChallengeDeclined {
		t.Fatalf("expected declined verdict, got %+v", declined)
	}
}

func TestPushConfirmRejectsBadSignature(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234"})
	if err != nil || result.Verdict != VerdictChallenge {
		t.Fatalf("result=%+v err=%v", result, err)
	}
	n := transport.last(t)

	sig := signAsPhone(t, phoneKey, n.Nonce, "PIPU0001")
	raw, _ := decodeBase64(sig)
	raw[0] ^= 0x01
	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:    "PIPU0001",
		Nonce:     n.Nonce,
		Signature: encodeBase64(raw),
	}); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	// The challenge stays open for a valid retry.
	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:    "PIPU0001",
		Nonce:     n.Nonce,
		Signature: sig,
	}); err != nil {
		t.Fatalf("valid retry failed: %v", err)
	}
}

func TestPushConfirmRejectsForeignKey(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	enrollPushToken(t, engine, "PIPU0001")
	foreignKey, _ := genSmartphoneKey(t)

	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234"})
	if err != nil || result.Verdict != VerdictChallenge {
		t.Fatalf("result=%+v err=%v", result, err)
	}
	n := transport.last(t)

	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:    "PIPU0001",
		Nonce:     n.Nonce,
		Signature: signAsPhone(t, foreignKey, n.Nonce, "PIPU0001"),
	}); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestPushPresenceConfirmation(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	pol := DefaultPolicies()
	pol.RequirePresence = true
	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234", Policies: pol})
	if err != nil || result.Verdict != VerdictChallenge {
		t.Fatalf("result=%+v err=%v", result, err)
	}
	n := transport.last(t)

	ch, err := engine.challenges.Get(ctx, "PIPU0001", result.TransactionID)
	if err != nil {
		t.Fatalf("challenge lookup failed: %v", err)
	}
	if len(ch.Options) != engineTestConfig().Push.PresenceOptions {
		t.Fatalf("expected %d presence options, got %d", engineTestConfig().Push.PresenceOptions, len(ch.Options))
	}
	correct := ch.Options[len(ch.Options)-1]
	wrong := ch.Options[0]

	// A validly signed but wrong presence answer is a logical reject, kept
	// apart from signature failures so callers can report it as value:false.
	err = engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:         "PIPU0001",
		Nonce:          n.Nonce,
		PresenceAnswer: wrong,
		Signature:      signAsPhone(t, phoneKey, n.Nonce, "PIPU0001", wrong),
	})
	if !errors.Is(err, ErrPresenceMismatch) {
		t.Fatalf("expected ErrPresenceMismatch, got %v", err)
	}
	if errors.Is(err, ErrSignatureInvalid) {
		t.Fatal("presence mismatch must not read as a signature failure")
	}

	if err := engine.ConfirmPush(ctx, PushConfirmRequest{
		Serial:         "PIPU0001",
		Nonce:          n.Nonce,
		PresenceAnswer: correct,
		Signature:      signAsPhone(t, phoneKey, n.Nonce, "PIPU0001", correct),
	}); err != nil {
		t.Fatalf("ConfirmPush failed: %v", err)
	}

	accepted, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "", TransactionID: result.TransactionID})
	if err != nil || !accepted.Accepted() {
		t.Fatalf("result=%+v err=%v", accepted, err)
	}
	if engine.MetricsSnapshot().Counters[MetricPresenceMismatch] != 1 {
		t.Fatal("expected presence mismatch metric")
	}
}

func TestPushTransportFailure(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{err: errors.New("fcm unreachable")}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	enrollPushToken(t, engine, "PIPU0001")

	// Polling disallowed: delivery failure is fatal and no challenge survives.
	pol := DefaultPolicies()
	pol.AllowPolling = false
	if _, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234", Policies: pol}); !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	chs, err := engine.challenges.ListBySerial(ctx, "PIPU0001")
	if err != nil {
		t.Fatalf("ListBySerial failed: %v", err)
	}
	if len(chs) != 0 {
		t.Fatal("no challenge must be persisted when delivery fails and polling is off")
	}

	// Polling allowed: the challenge is created anyway.
	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234", Policies: DefaultPolicies()})
	if err != nil {
		t.Fatalf("CheckCredential failed: %v", err)
	}
	if result.Verdict != VerdictChallenge {
		t.Fatalf("expected challenge despite delivery failure, got %+v", result)
	}
}

func TestPollChallenges(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234"})
	if err != nil || result.Verdict != VerdictChallenge {
		t.Fatalf("result=%+v err=%v", result, err)
	}

	ts := clock.Now().Format(time.RFC3339)
	items, err := engine.PollChallenges(ctx, "PIPU0001", ts, signAsPhone(t, phoneKey, "PIPU0001", ts), DefaultPolicies())
	if err != nil {
		t.Fatalf("PollChallenges failed: %v", err)
	}
	if len(items) != 1 || items[0].Serial != "PIPU0001" || items[0].Signature == "" {
		t.Fatalf("unexpected poll items %+v", items)
	}
}

func TestPollChallengesTimestampGuardRunsFirst(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()

	enrollPushToken(t, engine, "PIPU0001")

	stale := clock.Now().Add(-engineTestConfig().Push.TimestampWindow - time.Minute).Format(time.RFC3339)
	// Garbage signature: the timestamp must reject before any verification.
	_, err := engine.PollChallenges(context.Background(), "PIPU0001", stale, "not-a-signature", DefaultPolicies())
	if !errors.Is(err, ErrTimestampOutOfRange) {
		t.Fatalf("expected ErrTimestampOutOfRange, got %v", err)
	}
}

func TestPollChallengesDeniedByPolicy(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()

	enrollPushToken(t, engine, "PIPU0001")

	pol := DefaultPolicies()
	pol.AllowPolling = false
	ts := clock.Now().Format(time.RFC3339)
	if _, err := engine.PollChallenges(context.Background(), "PIPU0001", ts, "sig", pol); !errors.Is(err, ErrPollingDenied) {
		t.Fatalf("expected ErrPollingDenied, got %v", err)
	}
}

func TestUpdatePushToken(t *testing.T) {
	clock := newTestClock()
	engine, done := newCheckEngine(t, engineTestConfig(), &fakeTransport{}, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	ts := clock.Now().Format(time.RFC3339)
	if err := engine.UpdatePushToken(ctx, "PIPU0001", "fbtoken-2", ts, signAsPhone(t, phoneKey, "fbtoken-2", "PIPU0001", ts)); err != nil {
		t.Fatalf("UpdatePushToken failed: %v", err)
	}

	tok, err := engine.GetToken(ctx, "PIPU0001")
	if err != nil {
		t.Fatalf("GetToken failed: %v", err)
	}
	if tok.InfoGet(infoTransportToken) != "fbtoken-2" {
		t.Fatalf("transport token not rotated: %q", tok.InfoGet(infoTransportToken))
	}

	// A signature over the old token value must not rotate again.
	if err := engine.UpdatePushToken(ctx, "PIPU0001", "fbtoken-3", ts, signAsPhone(t, phoneKey, "fbtoken-2", "PIPU0001", ts)); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestWaitModeBlocksUntilConfirmation(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	go func() {
		time.Sleep(50 * time.Millisecond)
		n := transport.last(t)
		_ = engine.ConfirmPush(ctx, PushConfirmRequest{
			Serial:    "PIPU0001",
			Nonce:     n.Nonce,
			Signature: signAsPhone(t, phoneKey, n.Nonce, "PIPU0001"),
		})
	}()

	pol := DefaultPolicies()
	pol.WaitSeconds = 5
	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234", Policies: pol})
	if err != nil {
		t.Fatalf("CheckCredential failed: %v", err)
	}
	if !result.Accepted() {
		t.Fatalf("expected wait mode to end in accept, got %+v", result)
	}
}

func TestWaitModeDisablesPresence(t *testing.T) {
	clock := newTestClock()
	transport := &fakeTransport{}
	engine, done := newCheckEngine(t, engineTestConfig(), transport, clock)
	defer done()
	ctx := context.Background()

	phoneKey, _ := enrollPushToken(t, engine, "PIPU0001")

	go func() {
		time.Sleep(50 * time.Millisecond)
		n := transport.last(t)
		_ = engine.ConfirmPush(ctx, PushConfirmRequest{
			Serial:    "PIPU0001",
			Nonce:     n.Nonce,
			Signature: signAsPhone(t, phoneKey, n.Nonce, "PIPU0001"),
		})
	}()

	pol := DefaultPolicies()
	pol.WaitSeconds = 5
	pol.RequirePresence = true
	result, err := engine.CheckCredential(ctx, AuthRequest{UserID: "alice", Password: "1234", Policies: pol})
	if err != nil {
		t.Fatalf("CheckCredential failed: %v", err)
	}
	if !result.Accepted() {
		t.Fatalf("expected accept, got %+v", result)
	}
	// Presence was force-disabled, so the plain accept signature sufficed and no
	// option list was attached.
	for _, info := range result.MultiChallenge {
		if info.Attributes["presence_options"] != "" {
			t.Fatal("wait mode must not carry presence options")
		}
	}
}

func TestBuildPresenceOptionsAlphabets(t *testing.T) {
	opts, err := buildPresenceOptions("A-Z", 3)
	if err != nil {
		t.Fatalf("buildPresenceOptions failed: %v", err)
	}
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	seen := map[string]bool{}
	for _, o := range opts {
		if len(o) != 1 || o[0] < 'A' || o[0] > 'Z' {
			t.Fatalf("option %q outside alphabet", o)
		}
		if seen[o] {
			t.Fatalf("duplicate option %q", o)
		}
		seen[o] = true
	}

	opts, err = buildPresenceOptions("12:34:56:78", 2)
	if err != nil {
		t.Fatalf("buildPresenceOptions failed: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected 2 options, got %d", len(opts))
	}

	if _, err := buildPresenceOptions("1:2", 3); err == nil {
		t.Fatal("expected error when the alphabet is too small")
	}
}

func TestPollRateLimited(t *testing.T) {
	cfg := engineTestConfig()
	cfg.Push.PollMaxPerMinute = 2
	clock := newTestClock()
	engine, done := newCheckEngine(t, cfg, &fakeTransport{}, clock)
	defer done()
	ctx := context.Background()

	enrollPushToken(t, engine, "PIPU0001")

	ts := clock.Now().Format(time.RFC3339)
	for i := 0; i < 2; i++ {
		// Content is irrelevant; only the budget counts.
		_, _ = engine.PollChallenges(ctx, "PIPU0001", ts, "sig", DefaultPolicies())
	}
	if _, err := engine.PollChallenges(ctx, "PIPU0001", ts, "sig", DefaultPolicies()); !errors.Is(err, ErrPollRateLimited) {
		t.Fatalf("expected ErrPollRateLimited, got %v", err)
	}
}
