package otpforge

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const otpSecretBytes = 20

// matchResult is the outcome of a windowed OTP scan. Absence of a match is a
// distinct state, never a sentinel index.
type matchResult struct {
	index int64
	found bool
}

func noMatch() matchResult {
	return matchResult{}
}

// otpManager implements the stateless OTP math: RFC 4226 value generation and
// windowed counter scans. It performs no I/O; counter persistence is the token
// handlers' job.
type otpManager struct {
	hotp HOTPConfig
	totp TOTPConfig
}

func newOTPManager(hotp HOTPConfig, totp TOTPConfig) *otpManager {
	if hotp.Algorithm == "" {
		hotp.Algorithm = "SHA1"
	}
	if totp.Algorithm == "" {
		totp.Algorithm = "SHA1"
	}
	return &otpManager{hotp: hotp, totp: totp}
}

// GenerateSecret returns fresh OTP key material and its base32 form.
func (m *otpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	raw := make([]byte, otpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// ProvisionURI renders the otpauth URL for authenticator apps.
func (m *otpManager) ProvisionURI(tokenType TokenType, secretBase32, issuer, account string, digits int, algorithm string) string {
	label := url.PathEscape(issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", issuer)
	v.Set("digits", strconv.Itoa(digits))
	v.Set("algorithm", strings.ToUpper(algorithm))
	switch tokenType {
	case TypeTOTP:
		v.Set("period", strconv.Itoa(m.totp.Period))
	default:
		v.Set("counter", "0")
	}

	return "otpauth://" + string(tokenType) + "/" + label + "?" + v.Encode()
}

// CheckForward scans counters [counter, counter+window) and returns the first
// matching index. The presented value is compared in constant time.
func (m *otpManager) CheckForward(secret []byte, otp string, counter int64, window int, digits int, algorithm string) (matchResult, error) {
	if m == nil {
		return noMatch(), ErrEngineNotReady
	}
	trimmed := strings.TrimSpace(otp)
	if len(trimmed) != digits || !isNumericString(trimmed) {
		return noMatch(), nil
	}
	if len(secret) == 0 {
		return noMatch(), errors.New("empty otp secret")
	}

	for i := 0; i < window; i++ {
		candidate := counter + int64(i)
		if candidate < 0 {
			continue
		}
		generated, err := hotpCode(secret, candidate, digits, algorithm)
		if err != nil {
			return noMatch(), err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return matchResult{index: candidate, found: true}, nil
		}
	}

	return noMatch(), nil
}

// CheckSymmetric scans counters [center-window, center+window]. Used for TOTP
// skew matching and counter resynchronization.
func (m *otpManager) CheckSymmetric(secret []byte, otp string, center int64, window int, digits int, algorithm string) (matchResult, error) {
	if m == nil {
		return noMatch(), ErrEngineNotReady
	}
	trimmed := strings.TrimSpace(otp)
	if len(trimmed) != digits || !isNumericString(trimmed) {
		return noMatch(), nil
	}
	if len(secret) == 0 {
		return noMatch(), errors.New("empty otp secret")
	}

	for step := -window; step <= window; step++ {
		candidate := center + int64(step)
		if candidate < 0 {
			continue
		}
		generated, err := hotpCode(secret, candidate, digits, algorithm)
		if err != nil {
			return noMatch(), err
		}
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return matchResult{index: candidate, found: true}, nil
		}
	}

	return noMatch(), nil
}

// TimeCounter derives the TOTP counter for now.
func (m *otpManager) TimeCounter(now time.Time) int64 {
	return now.Unix() / int64(m.totp.Period)
}

func hotpCode(secret []byte, counter int64, digits int, algorithm string) (string, error) {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	hf, err := hmacFunc(algorithm)
	if err != nil {
		return "", err
	}
	mac := hmac.New(hf, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	code := bin % mod
	return fmt.Sprintf("%0*d", digits, code), nil
}

func hmacFunc(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported otp algorithm")
	}
}

func isNumericString(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
