// Package util provides small helpers shared across the gateway: proxy
// aware HTTP client construction and log level switching.
package util

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// NewHTTPClient builds a pooled HTTP client honoring the configured proxy
// URL. SOCKS5, HTTP and HTTPS proxies are supported. A zero timeout leaves
// the client unbounded (streaming callers bound via context instead).
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if proxyURL == "" {
		return client
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Errorf("invalid proxy url %q: %v", proxyURL, err)
		return client
	}

	var transport *http.Transport
	switch parsed.Scheme {
	case "socks5":
		username := parsed.User.Username()
		password, _ := parsed.User.Password()
		var auth *proxy.Auth
		if username != "" {
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return client
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Errorf("unsupported proxy scheme %q", parsed.Scheme)
		return client
	}

	transport.MaxIdleConnsPerHost = 16
	transport.IdleConnTimeout = 90 * time.Second
	client.Transport = transport
	return client
}
