// Package proxy implements the rotating outbound proxy pool: provider
// abstraction, expiry-aware caching, and liveness validation.
package proxy

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// SafetyBuffer is subtracted from every provider-reported expiry.
const SafetyBuffer = 5 * time.Second

// Endpoint is one outbound proxy.
type Endpoint struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Scheme   string `json:"scheme,omitempty"`
	// ExpiresAt is absolute unix milliseconds; zero means "never".
	ExpiresAt int64 `json:"expires_at,omitempty"`
}

// IsExpired reports whether the endpoint expires within buffer of now.
func (e Endpoint) IsExpired(now time.Time, buffer time.Duration) bool {
	if e.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= e.ExpiresAt-buffer.Milliseconds()
}

// TTL is the remaining lifetime at now minus the safety buffer. Endpoints that
// never expire report ok=false.
func (e Endpoint) TTL(now time.Time) (time.Duration, bool) {
	if e.ExpiresAt == 0 {
		return 0, false
	}
	return time.Duration(e.ExpiresAt-now.UnixMilli())*time.Millisecond - SafetyBuffer, true
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// URL renders {scheme}://{user}:{pw}@{ip}:{port}; userinfo is omitted when no user is set.
func (e Endpoint) URL() *url.URL {
	scheme := e.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: e.Addr()}
	if e.User != "" {
		u.User = url.UserPassword(e.User, e.Password)
	}
	return u
}

// String hides credentials.
func (e Endpoint) String() string {
	return e.Addr()
}

// Key is the cache key for the endpoint under a provider name.
func (e Endpoint) Key(provider string) string {
	return fmt.Sprintf("%s_%s_%d", provider, e.IP, e.Port)
}

// Marshal serializes the endpoint for the cache.
func (e Endpoint) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal endpoint: %w", err)
	}
	return data, nil
}

// UnmarshalEndpoint is the inverse of Marshal.
func UnmarshalEndpoint(data []byte) (Endpoint, error) {
	var e Endpoint
	if err := json.Unmarshal(data, &e); err != nil {
		return Endpoint{}, fmt.Errorf("unmarshal endpoint: %w", err)
	}
	return e, nil
}
