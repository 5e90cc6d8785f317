package httpx

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// DefaultPort is used when neither the Host header nor the request URI names one.
const DefaultPort = "80"

var ErrNoTarget = errors.New("httpx: request names no target host")

// TargetAddr returns the host:port the request should be sent to. CONNECT
// requests use their authority-form URI; other requests use the Host header
// and fall back to the host of an absolute-form URI.
func (p *ProxyHeaders) TargetAddr() (string, error) {
	var candidates []string
	if p.IsConnect() {
		candidates = append(candidates, p.URI, p.Get("Host"))
	} else {
		candidates = append(candidates, p.Get("Host"), uriHost(p.URI))
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		return withPort(c), nil
	}
	return "", ErrNoTarget
}

func uriHost(uri string) string {
	if !strings.Contains(uri, "://") {
		return ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

func withPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	// Bracketed IPv6 literal without a port.
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return net.JoinHostPort(host, DefaultPort)
}
