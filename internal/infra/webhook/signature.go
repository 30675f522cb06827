package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the provider's hex-encoded HMAC-SHA256 of the raw
// request body.
const SignatureHeader = "X-Provider-Signature"

func VerifySignature(secret string, body []byte, signature string) bool {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SignBody produces the signature a well-behaved provider would send. Used by
// tests and the seed tooling.
func SignBody(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
