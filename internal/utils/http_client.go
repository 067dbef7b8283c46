package utils

import (
	"net"
	"net/http"
	"time"
)

// NewStreamingHTTPClient returns a client suited to long-lived streamed
// responses: there is no overall deadline, only a bound on how long the
// upstream may take to send response headers.
func NewStreamingHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: headerTimeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
