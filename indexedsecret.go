package otpforge

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"math/big"
	"strconv"
	"strings"
)

// pickPositions selects count distinct 1-based character positions of a secret of
// the given length, in random order.
func pickPositions(secretLen, count int) ([]int, error) {
	if secretLen <= 0 {
		return nil, errors.New("empty indexed secret")
	}
	if count <= 0 || count > secretLen {
		return nil, errors.New("invalid position count")
	}

	chosen := make([]int, 0, count)
	used := make(map[int]bool, count)
	for len(chosen) < count {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(secretLen)))
		if err != nil {
			return nil, err
		}
		pos := int(n.Int64()) + 1
		if used[pos] {
			continue
		}
		used[pos] = true
		chosen = append(chosen, pos)
	}
	return chosen, nil
}

func positionsToData(positions []int) string {
	parts := make([]string, len(positions))
	for i, p := range positions {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func positionsFromData(data string) ([]int, error) {
	parts := strings.Split(data, ",")
	positions := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return nil, errors.New("malformed position data")
		}
		positions = append(positions, n)
	}
	if len(positions) == 0 {
		return nil, errors.New("malformed position data")
	}
	return positions, nil
}

// matchIndexedResponse checks a presented response against the secret characters at
// the requested positions, in the requested order. A length mismatch rejects
// immediately without revealing which position failed; the character comparison is
// constant-time and never short-circuits on first mismatch.
func matchIndexedResponse(secret []byte, positions []int, response string) bool {
	if len(response) != len(positions) {
		return false
	}
	expected := make([]byte, 0, len(positions))
	for _, pos := range positions {
		if pos < 1 || pos > len(secret) {
			return false
		}
		expected = append(expected, secret[pos-1])
	}
	ok := subtle.ConstantTimeCompare(expected, []byte(response)) == 1
	for i := range expected {
		expected[i] = 0
	}
	return ok
}
