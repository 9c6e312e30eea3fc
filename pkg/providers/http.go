package providers

import (
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const DefaultTimeout = 15 * time.Second

// NewHTTPClient returns the bounded client every provider call goes through.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// bearerClient wraps base so every request carries accessToken.
func bearerClient(base *http.Client, accessToken string) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: DefaultTimeout}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   transport,
		},
	}
}
