package otpforge

import (
	"bytes"
	"errors"
	"testing"
)

func newTestSealer(t *testing.T) *sealer {
	t.Helper()
	sl, err := newSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("newSealer failed: %v", err)
	}
	return sl
}

func TestSealerRoundTrip(t *testing.T) {
	sl := newTestSealer(t)

	plain := []byte("super secret key material")
	blob, err := sl.Seal(plain)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(blob, plain) {
		t.Fatal("sealed blob must not contain the plaintext")
	}

	opened, err := sl.Open(blob)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(opened.Bytes(), plain) {
		t.Fatal("round trip mismatch")
	}
	opened.Wipe()
	if opened.Bytes() != nil {
		t.Fatal("expected wiped secret to be empty")
	}
}

func TestSealerRejectsTamperedBlob(t *testing.T) {
	sl := newTestSealer(t)

	blob, err := sl.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	blob[len(blob)-1] ^= 0x01

	if _, err := sl.Open(blob); !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestSealerRejectsTruncatedBlob(t *testing.T) {
	sl := newTestSealer(t)

	if _, err := sl.Open([]byte{0x01, 0x02}); !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestSealerRejectsWrongKey(t *testing.T) {
	sl := newTestSealer(t)
	other, err := newSealer([]byte("ffffffffffffffffffffffffffffffff"))
	if err != nil {
		t.Fatalf("newSealer failed: %v", err)
	}

	blob, err := sl.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := other.Open(blob); !errors.Is(err, ErrKeyMaterial) {
		t.Fatalf("expected ErrKeyMaterial, got %v", err)
	}
}

func TestSealerStringRoundTrip(t *testing.T) {
	sl := newTestSealer(t)

	sealed, err := sl.SealString("credential-value")
	if err != nil {
		t.Fatalf("SealString failed: %v", err)
	}
	opened, err := sl.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString failed: %v", err)
	}
	defer opened.Wipe()
	if string(opened.Bytes()) != "credential-value" {
		t.Fatal("string round trip mismatch")
	}
}

func TestSealerRejectsShortKey(t *testing.T) {
	if _, err := newSealer([]byte("tooshort")); err == nil {
		t.Fatal("expected error for invalid key size")
	}
}
