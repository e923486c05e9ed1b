package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Verifier authenticates gateway confirmations. The expected signature is
// HMAC-SHA256(secret, orderRef + "|" + paymentRef), hex encoded. Comparison
// goes through hmac.Equal so it runs in constant time.
type Verifier struct {
	secret []byte
}

func NewVerifier(sharedSecret string) *Verifier {
	return &Verifier{secret: []byte(sharedSecret)}
}

func (v *Verifier) mac(orderRef, paymentRef string) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(orderRef))
	h.Write([]byte("|"))
	h.Write([]byte(paymentRef))
	return h.Sum(nil)
}

// Sign produces the signature the gateway would attach. Used by the mock
// gateway and by tests.
func (v *Verifier) Sign(orderRef, paymentRef string) string {
	return hex.EncodeToString(v.mac(orderRef, paymentRef))
}

// Verify recomputes the signature and compares in constant time. A supplied
// value that is not valid hex verifies false.
func (v *Verifier) Verify(orderRef, paymentRef, supplied string) bool {
	got, err := hex.DecodeString(supplied)
	if err != nil {
		return false
	}
	return hmac.Equal(v.mac(orderRef, paymentRef), got)
}
