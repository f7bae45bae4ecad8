package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// CallbackSigner builds webhook URLs that carry an HMAC of the job id, so a
// delivery can be authenticated without vendor-specific signature schemes.
type CallbackSigner struct {
	baseURL string
	secret  []byte
}

// NewCallbackSigner creates a signer for callbacks under baseURL
func NewCallbackSigner(baseURL, secret string) *CallbackSigner {
	return &CallbackSigner{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

// URL returns the callback target for a job; empty when no public URL is configured
func (s *CallbackSigner) URL(providerName, jobID string) string {
	if s.baseURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("job_id", jobID)
	q.Set("sig", s.Sign(jobID))
	return s.baseURL + "/api/v1/webhooks/providers/" + url.PathEscape(providerName) + "?" + q.Encode()
}

// Sign returns the hex HMAC-SHA256 of jobID
func (s *CallbackSigner) Sign(jobID string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign
func (s *CallbackSigner) Verify(jobID, sig string) bool {
	if jobID == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(jobID)), []byte(sig))
}
