package provider

import (
	"net"
	"net/http"
	"time"
)

// Client timeouts per use. Chat is polled, so a single Coze request is
// short; synchronous workflow runs and file uploads bound the backend client.
const (
	BackendTimeout = 120 * time.Second
	TokenTimeout   = 15 * time.Second
	MediaTimeout   = 30 * time.Second
)

// NewHTTPClient returns a pooled client sized for a single upstream host.
// Requests honour HTTPS_PROXY. timeout <= 0 uses BackendTimeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = BackendTimeout
	}
	// The poll loop reuses one connection; uploads and workflows may add a few.
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     60 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
