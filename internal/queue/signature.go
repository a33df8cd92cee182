package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Queue-Signature"

// ErrInvalidSignature is returned when a callback's signature matches
// neither the current nor the next signing key.
var ErrInvalidSignature = errors.New("invalid queue signature")

// Verifier checks callback authenticity against the queue dispatcher's
// signing keys. Two keys are held so the dispatcher can rotate without a
// window of rejected callbacks: verification accepts either.
type Verifier struct {
	current []byte
	next    []byte
}

func NewVerifier(currentKey, nextKey string) *Verifier {
	v := &Verifier{current: []byte(currentKey)}
	if nextKey != "" {
		v.next = []byte(nextKey)
	}
	return v
}

// Verify checks the signature over body. Comparison is constant-time.
func (v *Verifier) Verify(body []byte, signature string) error {
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) == 0 {
		return ErrInvalidSignature
	}
	if validMAC(body, sig, v.current) {
		return nil
	}
	if v.next != nil && validMAC(body, sig, v.next) {
		return nil
	}
	return ErrInvalidSignature
}

// Sign produces the hex signature for body with the current key. Used by
// the load generator and tests; the production dispatcher signs on its side.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.current)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validMAC(body, sig, key []byte) bool {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
