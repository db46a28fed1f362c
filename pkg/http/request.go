package http

import (
	"net"
	"net/http"
	"strings"
)

const maxUserAgentLength = 512

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies

	nets []*net.IPNet
}

// NewIPConfig parses the trusted proxy ranges once. Invalid ranges are skipped.
func NewIPConfig(trustedProxies []string) *IPConfig {
	cfg := &IPConfig{TrustedProxies: trustedProxies}
	cfg.nets = parseCIDRs(trustedProxies)
	return cfg
}

func (c *IPConfig) trusted(ip net.IP) bool {
	nets := c.nets
	if nets == nil {
		nets = parseCIDRs(c.TrustedProxies)
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the originating client address for audit and rate limiting.
// Forwarding headers are honoured only when the peer is a trusted proxy.
//
// Flow:
// 1. If request is from trusted proxy, check X-Forwarded-For header
// 2. If request is from trusted proxy, check X-Real-IP header
// 3. Fall back to RemoteAddr
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)

	if config == nil {
		return remoteIP
	}
	peer := net.ParseIP(remoteIP)
	if peer == nil || !config.trusted(peer) {
		return remoteIP
	}

	// First valid entry is the client, later ones are intermediate proxies
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if isValidIP(ip) {
				return ip
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); isValidIP(xri) {
		return xri
	}

	return remoteIP
}

// UserAgent returns the request's User-Agent, truncated for storage
func UserAgent(r *http.Request) string {
	ua := strings.TrimSpace(r.UserAgent())
	if len(ua) > maxUserAgentLength {
		ua = ua[:maxUserAgentLength]
	}
	return ua
}

// getRemoteAddr extracts the IP address from RemoteAddr (removing port if present)
func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func parseCIDRs(ranges []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(ranges))
	for _, cidr := range ranges {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}
	return nets
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}
