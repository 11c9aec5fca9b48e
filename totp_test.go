package otpforge

import (
	"context"
	"errors"
	"testing"
	"time"
)

// RFC 6238 appendix B test vectors, 8 digits, 30 second steps. Each algorithm
// uses the reference secret repeated to its digest length.
func TestTOTPRFC6238Vectors(t *testing.T) {
	secretSHA1 := []byte("12345678901234567890")
	secretSHA256 := []byte("12345678901234567890123456789012")
	secretSHA512 := []byte("1234567890123456789012345678901234567890123456789012345678901234")

	cases := []struct {
		unix      int64
		algorithm string
		secret    []byte
		want      string
	}{
		{59, "SHA1", secretSHA1, "94287082"},
		{59, "SHA256", secretSHA256, "46119246"},
		{59, "SHA512", secretSHA512, "90693936"},
		{1111111109, "SHA1", secretSHA1, "07081804"},
		{1111111109, "SHA256", secretSHA256, "68084774"},
		{1111111109, "SHA512", secretSHA512, "25091201"},
		{1111111111, "SHA1", secretSHA1, "14050471"},
		{1234567890, "SHA1", secretSHA1, "89005924"},
		{2000000000, "SHA1", secretSHA1, "69279037"},
		{20000000000, "SHA1", secretSHA1, "65353130"},
		{20000000000, "SHA256", secretSHA256, "77737706"},
		{20000000000, "SHA512", secretSHA512, "47863826"},
	}

	for _, tc := range cases {
		counter := tc.unix / 30
		got, err := hotpCode(tc.secret, counter, 8, tc.algorithm)
		if err != nil {
			t.Fatalf("hotpCode(%d, %s) failed: %v", tc.unix, tc.algorithm, err)
		}
		if got != tc.want {
			t.Fatalf("t=%d %s: got %s want %s", tc.unix, tc.algorithm, got, tc.want)
		}
	}
}

func newTOTPHandlerForTest(t *testing.T, secret []byte) (*totpHandler, *Token) {
	t.Helper()

	cfg := engineTestConfig()
	sl, err := newSealer(cfg.Crypto.EncryptionKey)
	if err != nil {
		t.Fatalf("newSealer failed: %v", err)
	}
	sealed, err := sl.Seal(secret)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	h := &totpHandler{
		otp:    newOTPManager(cfg.HOTP, cfg.TOTP),
		sealer: sl,
		cfg:    cfg.TOTP,
	}
	tok := &Token{
		Serial:       "TOTP0001",
		Type:         TypeTOTP,
		SealedSecret: sealed,
		Digits:       6,
		Algorithm:    "SHA1",
		RolloutState: RolloutEnrolled,
		Active:       true,
	}
	return h, tok
}

func TestTOTPHandlerAcceptsCurrentStep(t *testing.T) {
	secret := []byte("12345678901234567890")
	h, tok := newTOTPHandlerForTest(t, secret)

	now := time.Unix(1111111111, 0)
	code, err := hotpCode(secret, now.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	ok, err := h.CheckOTP(context.Background(), tok, code, now)
	if err != nil {
		t.Fatalf("CheckOTP failed: %v", err)
	}
	if !ok {
		t.Fatal("expected current-step value to be accepted")
	}
	if tok.Counter != now.Unix()/30 {
		t.Fatalf("expected counter %d, got %d", now.Unix()/30, tok.Counter)
	}
}

func TestTOTPHandlerAcceptsSkewedSteps(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)

	for _, offset := range []int64{-1, 1} {
		h, tok := newTOTPHandlerForTest(t, secret)
		code, err := hotpCode(secret, now.Unix()/30+offset, 6, "SHA1")
		if err != nil {
			t.Fatalf("hotpCode failed: %v", err)
		}
		ok, err := h.CheckOTP(context.Background(), tok, code, now)
		if err != nil {
			t.Fatalf("CheckOTP failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected offset %d to be accepted with skew 1", offset)
		}
	}
}

func TestTOTPHandlerRejectsReplay(t *testing.T) {
	secret := []byte("12345678901234567890")
	h, tok := newTOTPHandlerForTest(t, secret)

	now := time.Unix(1111111111, 0)
	code, err := hotpCode(secret, now.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	if ok, err := h.CheckOTP(context.Background(), tok, code, now); err != nil || !ok {
		t.Fatalf("first check: ok=%v err=%v", ok, err)
	}
	if _, err := h.CheckOTP(context.Background(), tok, code, now); !errors.Is(err, errReplay) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestTOTPHandlerRejectsPreviousStepAfterAccept(t *testing.T) {
	secret := []byte("12345678901234567890")
	h, tok := newTOTPHandlerForTest(t, secret)

	now := time.Unix(1111111111, 0)
	current, err := hotpCode(secret, now.Unix()/30, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	previous, err := hotpCode(secret, now.Unix()/30-1, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}

	if ok, err := h.CheckOTP(context.Background(), tok, current, now); err != nil || !ok {
		t.Fatalf("first check: ok=%v err=%v", ok, err)
	}
	// The prior step is still inside the skew window but behind the stored
	// counter, so it must be treated as a replay.
	if _, err := h.CheckOTP(context.Background(), tok, previous, now); !errors.Is(err, errReplay) {
		t.Fatalf("expected previous-step rejection, got %v", err)
	}
}

func TestTOTPHandlerRejectsWrongValue(t *testing.T) {
	secret := []byte("12345678901234567890")
	h, tok := newTOTPHandlerForTest(t, secret)

	ok, err := h.CheckOTP(context.Background(), tok, "000000", time.Unix(1111111111, 0))
	if err != nil {
		t.Fatalf("CheckOTP failed: %v", err)
	}
	if ok {
		t.Fatal("expected wrong value to be rejected")
	}
}
