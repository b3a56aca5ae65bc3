package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds Binance API credentials. Signed endpoints take an
// HMAC-SHA256 of the url-encoded query, hex encoded, in a signature
// parameter, with the key in the X-MBX-APIKEY header.
type HMACAuth struct {
	Key        string
	Secret     string
	RecvWindow time.Duration
}

// APIKeyHeader is the header carrying the API key.
const APIKeyHeader = "X-MBX-APIKEY"

// Sign adds timestamp, optional recvWindow and signature to params and
// returns the encoded query.
func (h *HMACAuth) Sign(params url.Values) string {
	return h.SignAt(params, time.Now())
}

// SignAt is like Sign with a caller-supplied timestamp.
func (h *HMACAuth) SignAt(params url.Values, at time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	if h.RecvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(h.RecvWindow.Milliseconds(), 10))
	}
	payload := params.Encode()
	return payload + "&signature=" + hmacSHA256Hex([]byte(h.Secret), payload)
}

// Headers returns the authentication headers for a signed request.
func (h *HMACAuth) Headers() map[string]string {
	return map[string]string{APIKeyHeader: h.Key}
}

// Configured reports whether both key and secret are set.
func (h *HMACAuth) Configured() bool {
	return h != nil && h.Key != "" && h.Secret != ""
}

func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
