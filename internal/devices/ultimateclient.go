package devices

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/maslabs/databridge/internal/ultimate"
)

// maxUltimateResp caps an Ultimate response.
const maxUltimateResp = 65536

// UltimateClient speaks the semicolon-delimited ASCII protocol of the
// laser marker.
type UltimateClient struct {
	host    string
	port    int
	timeout time.Duration
}

func NewUltimateClient(host string, port int, timeout time.Duration) *UltimateClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &UltimateClient{host: strings.TrimSpace(host), port: port, timeout: timeout}
}

// Command sends one command and parses the ACK/NAK-prefixed reply.
func (c *UltimateClient) Command(ctx context.Context, command string, args ...string) (ultimate.Result, error) {
	if c.host == "" || c.port <= 0 {
		return ultimate.Result{}, fmt.Errorf("ultimate device endpoint missing")
	}

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return ultimate.Result{}, fmt.Errorf("dial ultimate device: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return ultimate.Result{}, err
	}
	if _, err := conn.Write(ultimate.BuildCommand(command, args...)); err != nil {
		return ultimate.Result{}, fmt.Errorf("write command: %w", err)
	}

	raw, err := readUntil(bufio.NewReader(conn), []byte("\r\n"), maxUltimateResp)
	if err != nil {
		return ultimate.Result{}, err
	}
	return ultimate.ParseResult(raw)
}

// readUntil accumulates bytes until marker or EOF, bounded by limit.
func readUntil(rd *bufio.Reader, marker []byte, limit int) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	for {
		n, err := rd.Read(chunk)
		buf.Write(chunk[:n])
		if bytes.Contains(buf.Bytes(), marker) {
			return buf.Bytes(), nil
		}
		if buf.Len() >= limit {
			return nil, fmt.Errorf("response too large")
		}
		if err != nil {
			if buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
}
