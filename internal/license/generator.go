package license

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// codeAlphabet is the restricted character set for generated codes. Uppercase
// letters and digits only, so codes survive case-insensitive channels.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultCodeLength is the number of random characters in a generated code,
// excluding any prefix.
const DefaultCodeLength = 16

// Generator produces unpredictable key codes from a cryptographically strong
// random source. It does not guarantee uniqueness; the manager re-checks the
// store and retries on collision.
type Generator struct {
	length int
}

// NewGenerator creates a Generator producing codes of the given length.
// Lengths outside 8..32 fall back to DefaultCodeLength.
func NewGenerator(length int) *Generator {
	if length < 8 || length > 32 {
		length = DefaultCodeLength
	}
	return &Generator{length: length}
}

// Generate returns a fresh code, optionally prefixed by a caller-supplied
// type tag (e.g. "KEY-"). The prefix is normalized to upper case.
func (g *Generator) Generate(prefix string) (string, error) {
	// Rejection sampling keeps the character distribution uniform; a plain
	// modulo over 256 would bias the first few alphabet characters.
	const max = 252 // largest multiple of len(codeAlphabet) below 256

	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(out) < g.length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == g.length {
				break
			}
		}
	}
	return NormalizeCode(prefix) + string(out), nil
}

// NormalizeCode canonicalizes a code for storage and lookup: trimmed and
// upper-cased. Applied consistently at creation and verification so lookups
// are case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
