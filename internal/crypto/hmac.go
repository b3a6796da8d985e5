package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names carried by HMAC-authenticated venue requests.
const (
	HeaderAPIKey     = "X-Api-Key"
	HeaderTimestamp  = "X-Api-Timestamp"
	HeaderPassphrase = "X-Api-Passphrase"
	HeaderSignature  = "X-Api-Signature"
)

// HMACAuth holds API credentials for venues that authenticate requests with
// an HMAC-SHA256 signature over timestamp, method, path and body.
type HMACAuth struct {
	Key        string
	Secret     string // base64 encoded; used raw when it does not decode
	Passphrase string
}

// Headers signs a request at the current time.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt signs a request with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:     h.Key,
		HeaderTimestamp:  ts,
		HeaderPassphrase: h.Passphrase,
		HeaderSignature:  h.sign(ts + method + path + body),
	}
}

// Verify reports whether sig is the signature of the given request. Venue
// simulators use it to check incoming requests.
func (h *HMACAuth) Verify(method, path, body, ts, sig string) bool {
	want := h.sign(ts + method + path + body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (h *HMACAuth) sign(message string) string {
	key, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		key = []byte(h.Secret)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}
