// Package privacy derives stable, non-reversible identifiers from raw
// request metadata so nothing downstream ever sees an IP or user-agent.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// UnknownSentinel is used when request metadata is missing entirely.
// Hashing a sentinel keeps the pipeline total instead of failing on
// misbehaving proxies.
const UnknownSentinel = "unknown"

// Hasher applies salted HMAC-SHA256 per identity category. The salts must
// differ between categories so the two hash spaces cannot be correlated by
// an attacker who learns one of them.
type Hasher struct {
	ipSalt []byte
	uaSalt []byte
}

func NewHasher(ipSalt, uaSalt string) *Hasher {
	return &Hasher{
		ipSalt: []byte(ipSalt),
		uaSalt: []byte(uaSalt),
	}
}

func (h *Hasher) HashIP(ip string) string {
	return digest(h.ipSalt, ip)
}

func (h *Hasher) HashUA(userAgent string) string {
	return digest(h.uaSalt, userAgent)
}

func digest(salt []byte, value string) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// ClientIP resolves the caller address with forwarded-header precedence:
// the first entry of X-Forwarded-For wins, then X-Real-Ip, then the raw
// remote address.
func ClientIP(forwardedFor, realIP, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.SplitN(forwardedFor, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if remoteAddr != "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
			return host
		}
		return remoteAddr
	}
	return UnknownSentinel
}

// UserAgent normalizes a possibly missing user-agent header.
func UserAgent(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return UnknownSentinel
	}
	return userAgent
}
