package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maslabs/databridge/internal/zbc"
)

// ErrZBCNak is returned when a response packet carries the NAK flag.
var ErrZBCNak = errors.New("zbc: device sent transport NAK")

// ZBCClient runs framed request/response transactions against the printer.
// The transaction-id allocator and the whole exchange are serialized so two
// callers cannot interleave frames on one socket.
type ZBCClient struct {
	host    string
	port    int
	timeout time.Duration

	mu  sync.Mutex
	trx uint16
}

func NewZBCClient(host string, port int, timeout time.Duration) *ZBCClient {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ZBCClient{host: strings.TrimSpace(host), port: port, timeout: timeout}
}

// Transact sends message_id|body and returns the response message id and
// body. The request always carries a payload CRC; every payload-bearing
// response is acknowledged with a bare ACK packet.
func (c *ZBCClient) Transact(ctx context.Context, messageID uint16, body []byte) (uint16, []byte, error) {
	if c.host == "" || c.port <= 0 {
		return 0, nil, fmt.Errorf("zbc device endpoint missing")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)))
	if err != nil {
		return 0, nil, fmt.Errorf("dial zbc device: %w", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, nil, err
	}

	c.trx++
	trx := c.trx

	on := true
	pkt := zbc.BuildPacket(zbc.FlagSQS|zbc.FlagFIN, trx, 0, zbc.BuildMessage(messageID, body), &on)
	if _, err := conn.Write(pkt); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}

	first, err := c.readPacket(conn)
	if err != nil {
		return 0, nil, err
	}
	if first.Flags&zbc.FlagNAK != 0 {
		return 0, nil, ErrZBCNak
	}

	resp := first
	if first.Flags&zbc.FlagACK != 0 && len(first.Payload) == 0 {
		// bare ACK first, answer follows in a second packet
		resp, err = c.readPacket(conn)
		if err != nil {
			return 0, nil, err
		}
		if resp.Flags&zbc.FlagNAK != 0 {
			return 0, nil, ErrZBCNak
		}
	}

	if len(resp.Payload) > 0 {
		ack := zbc.BuildAck(resp.Flags, resp.Transaction, resp.Sequence)
		if _, err := conn.Write(ack); err != nil {
			return 0, nil, fmt.Errorf("write ack: %w", err)
		}
	}

	id, msgBody, err := zbc.ParseMessage(resp.Payload)
	if err != nil {
		return 0, nil, err
	}
	return id, msgBody, nil
}

// readPacket scans to the next start byte and deframes one packet.
func (c *ZBCClient) readPacket(conn net.Conn) (zbc.Packet, error) {
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(conn, one); err != nil {
			return zbc.Packet{}, fmt.Errorf("read start byte: %w", err)
		}
		if one[0] == zbc.StartByte {
			break
		}
	}

	rest := make([]byte, 9)
	if _, err := io.ReadFull(conn, rest); err != nil {
		return zbc.Packet{}, fmt.Errorf("read header: %w", err)
	}

	size := int(rest[1]) | int(rest[2])<<8
	if size < 10 {
		return zbc.Packet{}, fmt.Errorf("zbc packet size %d invalid", size)
	}
	tail := make([]byte, size-10)
	if _, err := io.ReadFull(conn, tail); err != nil {
		return zbc.Packet{}, fmt.Errorf("read payload: %w", err)
	}

	full := make([]byte, 0, size)
	full = append(full, zbc.StartByte)
	full = append(full, rest...)
	full = append(full, tail...)
	return zbc.ParsePacket(full)
}
