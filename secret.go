package otpforge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// scopedSecret holds plaintext key material for the duration of one operation.
// Every code path that unseals a secret must defer Wipe.
type scopedSecret struct {
	buf []byte
}

func newScopedSecret(b []byte) *scopedSecret {
	return &scopedSecret{buf: b}
}

func (s *scopedSecret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.buf
}

func (s *scopedSecret) Wipe() {
	if s == nil {
		return
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.buf = nil
}

// sealer encrypts secret material at rest with AES-GCM. Sealed blobs are
// nonce||ciphertext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) Seal(plain []byte) ([]byte, error) {
	if s == nil || s.aead == nil {
		return nil, ErrEngineNotReady
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed blob into a scoped secret the caller must Wipe.
func (s *sealer) Open(blob []byte) (*scopedSecret, error) {
	if s == nil || s.aead == nil {
		return nil, ErrEngineNotReady
	}
	if len(blob) < s.aead.NonceSize() {
		return nil, ErrKeyMaterial
	}
	nonce, ct := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return newScopedSecret(plain), nil
}

func (s *sealer) SealString(plain string) (string, error) {
	blob, err := s.Seal([]byte(plain))
	if err != nil {
		return "", err
	}
	return encodeBase64(blob), nil
}

func (s *sealer) OpenString(sealed string) (*scopedSecret, error) {
	blob, err := decodeBase64(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return s.Open(blob)
}
