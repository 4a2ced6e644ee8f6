package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes keyed signatures over key codes so that out-of-band edits
// to the persisted store (for example a hand-inserted record) are detected at
// verification time. The secret is server-held and never persisted alongside
// the records.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer using the given server secret.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex-encoded HMAC-SHA256 of the normalized code.
func (s *Signer) Sign(code string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(NormalizeCode(code)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the code. Comparison is
// constant-time.
func (s *Signer) Verify(code, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(NormalizeCode(code)))
	return hmac.Equal(mac.Sum(nil), want)
}
