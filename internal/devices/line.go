// Package devices holds the three field-device protocol clients and the
// per-device ICMP watchdog. All clients are blocking with bounded timeouts
// and safe for concurrent use.
package devices

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxLineLen caps a single line-protocol reply.
const maxLineLen = 8192

// LineClient speaks the \n-terminated UTF-8 line protocol of the PLC.
type LineClient struct {
	host    string
	port    int
	timeout time.Duration
}

func NewLineClient(host string, port int, timeout time.Duration) *LineClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &LineClient{host: strings.TrimSpace(host), port: port, timeout: timeout}
}

// Exchange sends one line and returns the trimmed reply line. One retry on
// transport errors.
func (c *LineClient) Exchange(ctx context.Context, line string) (string, error) {
	if c.host == "" || c.port <= 0 {
		return "", fmt.Errorf("line device endpoint missing")
	}

	var reply string
	op := func() error {
		var err error
		reply, err = c.exchangeOnce(ctx, line)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}
	return reply, nil
}

func (c *LineClient) exchangeOnce(ctx context.Context, line string) (string, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return "", fmt.Errorf("dial line device: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(strings.TrimSpace(line) + "\n")); err != nil {
		return "", fmt.Errorf("write line: %w", err)
	}

	rd := bufio.NewReaderSize(conn, maxLineLen)
	reply, err := rd.ReadString('\n')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read line: %w", err)
	}
	if len(reply) > maxLineLen {
		return "", fmt.Errorf("line reply too long")
	}
	return strings.TrimSpace(reply), nil
}
