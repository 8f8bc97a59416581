package analytics

import (
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/platinummonkey/pulse/pkg/eventstore"
)

// SourceDirect is the metadata source when a request carries no origin
const SourceDirect = "direct"

// RequestContext carries the request attributes event metadata is
// derived from. It is decoupled from net/http so producers outside an HTTP
// handler (webhooks, workers) can fill it in directly.
type RequestContext struct {
	Origin    string
	UserAgent string
	// IP is the client address as resolved by a proxy or the caller
	IP string
	// RemoteAddr is the connection-level peer address
	RemoteAddr string
}

// RequestContextFromHTTP builds a RequestContext from an incoming request
func RequestContextFromHTTP(r *http.Request) *RequestContext {
	if r == nil {
		return nil
	}
	return &RequestContext{
		Origin:     r.Header.Get("Origin"),
		UserAgent:  r.UserAgent(),
		IP:         forwardedIP(r),
		RemoteAddr: stripPort(r.RemoteAddr),
	}
}

// ExtractMetadata derives event metadata from a request context. A nil
// context yields empty metadata.
func ExtractMetadata(rc *RequestContext) eventstore.Metadata {
	if rc == nil {
		return eventstore.Metadata{}
	}

	md := eventstore.Metadata{
		Source:    rc.Origin,
		UserAgent: rc.UserAgent,
		IPAddress: rc.IP,
	}
	if md.Source == "" {
		md.Source = SourceDirect
	}
	if md.IPAddress == "" {
		md.IPAddress = rc.RemoteAddr
	}
	return md
}

// forwardedIP extracts the client address set by a proxy or load balancer
func forwardedIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		// Take the first IP if multiple
		ips := strings.Split(forwarded, ",")
		return strings.TrimSpace(ips[0])
	}
	return strings.TrimSpace(r.Header.Get("X-Real-IP"))
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// round2 rounds to two decimal places
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// safeDiv returns 0 instead of NaN or Inf
func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
