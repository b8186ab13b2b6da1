package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RandomHex returns n lowercase hex characters from crypto/rand.
// Odd lengths draw a whole extra byte and drop its last digit.
func RandomHex(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}

	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:n], nil
}

// RandomDigits returns n decimal digits. Each random byte is rendered in
// base 10, padded to two digits, and the concatenation is truncated to n.
func RandomDigits(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(n * 3)
	for _, v := range buf {
		s := strconv.Itoa(int(v))
		if len(s) < 2 {
			b.WriteByte('0')
		}
		b.WriteString(s)
	}
	return b.String()[:n], nil
}

// Nonce returns 12 random bytes encoded as standard base64
func Nonce() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
