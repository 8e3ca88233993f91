// Package urltoken generates the random path segment that gates access to the
// shared resource. The token is the entire access-control mechanism, so it is
// drawn from crypto/rand with unbiased alphabet sampling.
package urltoken

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the character set used for tokens. Alphanumeric only, so tokens
// survive copy/paste, terminals, and URL encoding untouched.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// New returns a random token of the requested length.
func New(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("urltoken: length must be positive, got %d", length)
	}
	// Rejection sampling: accept bytes below the largest multiple of
	// len(Alphabet) so every character is equally likely.
	max := byte(256 - 256%len(Alphabet))
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("urltoken: read random: %w", err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
