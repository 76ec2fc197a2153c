package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/metrics"
)

// SignatureHeader carries the provider's webhook signature.
const SignatureHeader = "X-Twilio-Signature"

// Verifier checks inbound webhook signatures against a tenant's shared
// secret. It never returns an error: any missing or mismatched signature
// is simply invalid.
type Verifier struct {
	logger *zap.Logger

	// AllowLegacy enables a degraded dev-only digest over the JSON-encoded
	// form. It is NOT the provider's algorithm and must never be relied on
	// as a security guarantee in production.
	AllowLegacy bool
}

func NewVerifier(logger *zap.Logger, allowLegacy bool) *Verifier {
	return &Verifier{logger: logger, AllowLegacy: allowLegacy}
}

// Verify recomputes the provider signature from the full callback URL and
// the form-encoded body and compares it in constant time. rawURL must be
// the exact URL the provider called, including scheme, host, and query.
func (v *Verifier) Verify(rawURL string, header http.Header, form url.Values, authToken string) bool {
	signature := header.Get(SignatureHeader)
	if signature == "" || authToken == "" {
		return false
	}

	if hmac.Equal([]byte(expectedSignature(rawURL, form, authToken)), []byte(signature)) {
		return true
	}

	if v.AllowLegacy && v.verifyLegacy(form, signature, authToken) {
		// Degraded path for local development against tools that sign the
		// JSON encoding instead of the canonical URL+params string.
		metrics.RecordLegacySignatureCheck()
		v.logger.Warn("webhook accepted via degraded legacy digest; do not rely on this in production")
		return true
	}

	return false
}

// expectedSignature implements the provider's documented scheme: HMAC-SHA1
// over the full URL followed by every POST parameter key+value concatenated
// in lexicographic key order, base64 encoded.
func expectedSignature(rawURL string, form url.Values, authToken string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(rawURL))
	for _, k := range keys {
		// The scheme concatenates key+value once per parameter; repeated
		// values use the first occurrence.
		mac.Write([]byte(k))
		if vals := form[k]; len(vals) > 0 {
			mac.Write([]byte(vals[0]))
		}
	}

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (v *Verifier) verifyLegacy(form url.Values, signature, authToken string) bool {
	return hmac.Equal([]byte(legacySignature(form, authToken)), []byte(signature))
}

// legacySignature is the dev-only digest: HMAC-SHA1 over the JSON encoding
// of the flattened form, base64 encoded.
func legacySignature(form url.Values, authToken string) string {
	flat := make(map[string]string, len(form))
	for k, vals := range form {
		if len(vals) > 0 {
			flat[k] = vals[0]
		}
	}

	data, err := json.Marshal(flat)
	if err != nil {
		return ""
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write(data)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
