package xt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Auth signs private requests with the account key pair.
type Auth struct {
	apiKey    string
	secretKey string
	now       func() time.Time
}

// NewAuth creates an Auth for the given key pair.
func NewAuth(apiKey, secretKey string) *Auth {
	return &Auth{apiKey: apiKey, secretKey: secretKey, now: time.Now}
}

// Sign returns a copy of params extended with accesskey, nonce (ms) and the
// signature over the key-sorted query string.
func (a *Auth) Sign(params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+3)
	for k, v := range params {
		signed[k] = v
	}
	signed["accesskey"] = a.apiKey
	signed["nonce"] = strconv.FormatInt(a.now().UnixMilli(), 10)
	signed["signature"] = a.signature(signed)
	return signed
}

func (a *Auth) signature(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}

	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}
