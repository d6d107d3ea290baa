// Package probe verifies that a running proxy-core instance actually
// forwards traffic, not merely that its listening socket accepts
// connections. It dials the core's local mixed inbound as a SOCKS5 proxy
// and issues an HTTP GET through it, recording per-step latency the same
// way a raw SOCKS5 handshake probe would.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultURL is the probe target: a near-empty response used purely to
// confirm the tunnel forwards real traffic end to end.
const DefaultURL = "http://www.gstatic.com/generate_204"

// Config controls a single probe run against a local core inbound.
type Config struct {
	LocalAddr string        // "127.0.0.1:<port>" of the core's mixed inbound
	URL       string        // probe target; DefaultURL if empty
	Timeout   time.Duration // bounds the whole probe
}

// Result carries the probe outcome plus latency breakdown for metrics and
// diagnostics.
type Result struct {
	Reachable  bool // SOCKS5 dial through the local inbound (greeting and CONNECT) succeeded
	HandshakeOK bool // set together with Reachable; false if any step of that dial failed
	RequestOK  bool // the HTTP request round-tripped and returned a response
	StatusCode int
	DialTime   time.Duration
	TotalTime  time.Duration
}

// Run performs the probe described by cfg.
func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result Result
	start := time.Now()

	dialer, err := proxy.SOCKS5("tcp", cfg.LocalAddr, nil, &net.Dialer{Timeout: timeout})
	if err != nil {
		return result, fmt.Errorf("probe: build socks5 dialer: %w", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return result, fmt.Errorf("probe: socks5 dialer does not support context")
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialStart := time.Now()
			conn, err := contextDialer.DialContext(ctx, network, addr)
			result.DialTime = time.Since(dialStart)
			if err == nil {
				result.Reachable = true
				result.HandshakeOK = true
			}
			return conn, err
		},
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{Transport: transport, Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return result, fmt.Errorf("probe: build request: %w", err)
	}

	resp, err := client.Do(req)
	result.TotalTime = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("probe: request failed: %w", err)
	}
	defer resp.Body.Close()

	result.RequestOK = true
	result.StatusCode = resp.StatusCode
	return result, nil
}
