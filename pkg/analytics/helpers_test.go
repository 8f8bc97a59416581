package analytics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/pulse/pkg/eventstore"
)

func TestExtractMetadata(t *testing.T) {
	tests := []struct {
		name string
		rc   *RequestContext
		want eventstore.Metadata
	}{
		{
			name: "nil request",
			want: eventstore.Metadata{},
		},
		{
			name: "no origin defaults to direct",
			rc:   &RequestContext{UserAgent: "curl/8.4.0", IP: "198.51.100.1"},
			want: eventstore.Metadata{Source: SourceDirect, UserAgent: "curl/8.4.0", IPAddress: "198.51.100.1"},
		},
		{
			name: "falls back to remote address",
			rc:   &RequestContext{Origin: "https://app.example.com", RemoteAddr: "10.0.0.5"},
			want: eventstore.Metadata{Source: "https://app.example.com", IPAddress: "10.0.0.5"},
		},
		{
			name: "forwarded address wins",
			rc:   &RequestContext{IP: "203.0.113.9", RemoteAddr: "10.0.0.5"},
			want: eventstore.Metadata{Source: SourceDirect, IPAddress: "203.0.113.9"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMetadata(tt.rc))
		})
	}
}

func TestRequestContextFromHTTP(t *testing.T) {
	assert.Nil(t, RequestContextFromHTTP(nil))

	r := httptest.NewRequest("POST", "/api/v1/events", nil)
	r.RemoteAddr = "10.1.2.3:54321"
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("User-Agent", "Mozilla/5.0")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	rc := RequestContextFromHTTP(r)
	assert.Equal(t, &RequestContext{
		Origin:     "https://app.example.com",
		UserAgent:  "Mozilla/5.0",
		IP:         "203.0.113.7",
		RemoteAddr: "10.1.2.3",
	}, rc)

	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", RequestContextFromHTTP(r).IP)

	r.Header.Del("X-Real-IP")
	md := ExtractMetadata(RequestContextFromHTTP(r))
	assert.Equal(t, "10.1.2.3", md.IPAddress)
}

func TestNumericHelpers(t *testing.T) {
	assert.Equal(t, 12.35, round2(12.346))
	assert.Equal(t, 0.0, safeDiv(5, 0))
	assert.Equal(t, 2.5, safeDiv(5, 2))
	assert.Equal(t, 100.0, clamp(140, 0, 100))
	assert.Equal(t, 0.0, clamp(-3, 0, 100))
}
