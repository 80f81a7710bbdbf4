package utils

import (
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// GetRealIP returns the client address recorded against payment attempts
// and request logs. A public X-Real-IP wins, then the first public hop of
// X-Forwarded-For, then the first parseable hop, then gin's ClientIP.
func GetRealIP(c *gin.Context) string {
	if addr, ok := parseAddr(c.GetHeader("X-Real-IP")); ok && isPublic(addr) {
		return addr.String()
	}

	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		var first string
		for _, hop := range strings.Split(forwarded, ",") {
			addr, ok := parseAddr(hop)
			if !ok {
				continue
			}
			if isPublic(addr) {
				return addr.String()
			}
			if first == "" {
				first = addr.String()
			}
		}
		if first != "" {
			return first
		}
	}

	return c.ClientIP()
}

func parseAddr(raw string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// isPublic is false for RFC 1918 / ULA, loopback, link-local and unspecified addresses
func isPublic(addr netip.Addr) bool {
	return !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() && !addr.IsUnspecified()
}
