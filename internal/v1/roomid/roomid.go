// Package roomid mints and validates room identifiers.
package roomid

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is a Crockford-style set: no 0/O/1/I so ids survive being read aloud.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the number of symbols in a room id.
const Length = 10

// New returns a fresh room id sampled uniformly from Alphabet using a
// cryptographic RNG.
func New() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	var b strings.Builder
	b.Grow(Length)
	for _, v := range buf {
		// 32 symbols divide 256 evenly, so masking keeps the distribution uniform.
		b.WriteByte(Alphabet[v&31])
	}
	return b.String(), nil
}

// Valid reports whether id has the expected length and alphabet.
func Valid(id string) bool {
	if len(id) != Length {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(Alphabet, rune(id[i])) {
			return false
		}
	}
	return true
}
