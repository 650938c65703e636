// Package httpclient is the one-shot request executor used by the sender
// loop and the watchdog's health probe.
package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// connectCap keeps the sender loop responsive when a peer goes silent mid
// connection, even when the overall request budget is much larger.
const connectCap = 1500 * time.Millisecond

const maxErrorExcerpt = 400

// Options configure a Client.
type Options struct {
	Timeout       time.Duration // overall per-request budget
	SourceIP      string        // optional local address for outbound binding
	SkipTLSVerify bool          // accept self-signed peer certificates
}

// Client executes single HTTP requests with split connect/read timeouts.
type Client struct {
	hc      *http.Client
	timeout time.Duration
}

// StatusError is a non-2xx response, carrying the code and a bounded body
// excerpt.
type StatusError struct {
	StatusCode int
	Excerpt    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Excerpt)
}

func New(opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connect := connectCap
	if timeout < connect {
		connect = timeout
	}

	dialer := &net.Dialer{Timeout: connect}
	if opts.SourceIP != "" {
		ip := net.ParseIP(opts.SourceIP)
		if ip == nil {
			return nil, fmt.Errorf("invalid source ip %q", opts.SourceIP)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       timeout,
	}
	if opts.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		hc:      &http.Client{Transport: transport, Timeout: timeout},
		timeout: timeout,
	}, nil
}

// Request performs one HTTP exchange. A non-2xx status is returned as a
// *StatusError so the caller's backoff applies.
func (c *Client) Request(ctx context.Context, method, url string, headers map[string]string, body []byte) (int, string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return resp.StatusCode, "", err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt := string(text)
		if len(excerpt) > maxErrorExcerpt {
			excerpt = excerpt[:maxErrorExcerpt]
		}
		return resp.StatusCode, string(text), &StatusError{StatusCode: resp.StatusCode, Excerpt: excerpt}
	}
	return resp.StatusCode, string(text), nil
}

// Timeout reports the client's overall per-request budget.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Close releases idle connections.
func (c *Client) Close() {
	c.hc.CloseIdleConnections()
}
