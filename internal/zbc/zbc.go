// Package zbc implements the framed binary protocol spoken by the thermal
// transfer printer. A packet is:
//
//	0xA5 | flags | size(u16le) | trx(u16le) | seq(u16le) | 0xE4 | hdrsum(u8) | payload | crc16(u16le, when CS set)
//
// The header checksum is the bitwise NOT of the sum of the first nine header
// bytes. The payload checksum is CRC-16/CCITT (poly 0x1021, init 0x0000).
// The payload carries a message: message_id(u16le) | length(u32le, including
// the 6-byte message header) | body.
package zbc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	StartByte = 0xA5
	EndByte   = 0xE4

	headerLen = 10
)

// Flag bits.
const (
	FlagSQS = 1 << 0
	FlagFIN = 1 << 1
	FlagACK = 1 << 2
	FlagNAK = 1 << 3
	FlagCS  = 1 << 4
	FlagADR = 1 << 5
	FlagASY = 1 << 6
)

// ErrMessageID is the message id the device uses to report errors; its body
// carries a u16le error code.
const ErrMessageID = 0x500D

// DefaultMessageID is the parameter access message id used when a mapping
// does not override it.
const DefaultMessageID = 0x500A

var (
	ErrShort            = errors.New("zbc: packet too short")
	ErrStartByte        = errors.New("zbc: start byte invalid")
	ErrEndByte          = errors.New("zbc: end byte invalid")
	ErrSizeMismatch     = errors.New("zbc: packet size mismatch")
	ErrHeaderChecksum   = errors.New("zbc: header checksum mismatch")
	ErrPayloadChecksum  = errors.New("zbc: payload checksum mismatch")
	ErrMessageTruncated = errors.New("zbc: message truncated")
)

// Packet is a deframed ZBC packet.
type Packet struct {
	Flags       byte
	Size        uint16
	Transaction uint16
	Sequence    uint16
	Payload     []byte
	HasChecksum bool
}

// CRC16CCITT computes CRC-16/CCITT (poly 0x1021, init 0x0000) over data.
func CRC16CCITT(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// HeaderChecksum computes the checksum byte over the nine header bytes that
// precede it.
func HeaderChecksum(header []byte) byte {
	var sum byte
	for _, b := range header {
		sum += b
	}
	return ^sum
}

// BuildPacket frames a packet. When forceChecksum is nil the payload CRC is
// included iff the payload is non-empty; otherwise it follows the flag.
func BuildPacket(flags byte, trx, seq uint16, payload []byte, forceChecksum *bool) []byte {
	withCS := len(payload) > 0
	if forceChecksum != nil {
		withCS = *forceChecksum
	}
	if withCS {
		flags |= FlagCS
	} else {
		flags &^= FlagCS
	}

	total := headerLen + len(payload)
	if withCS {
		total += 2
	}

	out := make([]byte, 0, total)
	out = append(out, StartByte, flags)
	out = binary.LittleEndian.AppendUint16(out, uint16(total))
	out = binary.LittleEndian.AppendUint16(out, trx)
	out = binary.LittleEndian.AppendUint16(out, seq)
	out = append(out, EndByte)
	out = append(out, HeaderChecksum(out))
	out = append(out, payload...)
	if withCS {
		out = binary.LittleEndian.AppendUint16(out, CRC16CCITT(payload))
	}
	return out
}

// ParsePacket validates and deframes a complete packet.
func ParsePacket(pkt []byte) (Packet, error) {
	if len(pkt) < headerLen {
		return Packet{}, ErrShort
	}
	if pkt[0] != StartByte {
		return Packet{}, ErrStartByte
	}
	if pkt[8] != EndByte {
		return Packet{}, ErrEndByte
	}
	size := binary.LittleEndian.Uint16(pkt[2:4])
	if int(size) != len(pkt) {
		return Packet{}, ErrSizeMismatch
	}
	if pkt[9] != HeaderChecksum(pkt[:9]) {
		return Packet{}, ErrHeaderChecksum
	}

	flags := pkt[1]
	hasCS := flags&FlagCS != 0
	trailer := 0
	if hasCS {
		trailer = 2
	}
	if len(pkt) < headerLen+trailer {
		return Packet{}, ErrShort
	}
	payload := pkt[headerLen : len(pkt)-trailer]
	if hasCS {
		got := binary.LittleEndian.Uint16(pkt[len(pkt)-2:])
		if got != CRC16CCITT(payload) {
			return Packet{}, ErrPayloadChecksum
		}
	}

	return Packet{
		Flags:       flags,
		Size:        size,
		Transaction: binary.LittleEndian.Uint16(pkt[4:6]),
		Sequence:    binary.LittleEndian.Uint16(pkt[6:8]),
		Payload:     payload,
		HasChecksum: hasCS,
	}, nil
}

// BuildAck frames the bare acknowledgement sent after every response packet
// carrying a payload. It echoes the response's trx/seq, preserves the
// session flags, sets ACK and clears NAK and CS.
func BuildAck(refFlags byte, trx, seq uint16) []byte {
	flags := refFlags & (FlagSQS | FlagFIN | FlagADR | FlagASY)
	flags |= FlagACK
	off := false
	return BuildPacket(flags, trx, seq, nil, &off)
}

// BuildMessage renders message_id | length | body.
func BuildMessage(messageID uint16, body []byte) []byte {
	out := make([]byte, 0, 6+len(body))
	out = binary.LittleEndian.AppendUint16(out, messageID)
	out = binary.LittleEndian.AppendUint32(out, uint32(6+len(body)))
	return append(out, body...)
}

// ParseMessage extracts message_id and body from a payload.
func ParseMessage(data []byte) (uint16, []byte, error) {
	if len(data) < 6 {
		return 0, nil, ErrMessageTruncated
	}
	id := binary.LittleEndian.Uint16(data[:2])
	length := binary.LittleEndian.Uint32(data[2:6])
	if length < 6 {
		return 0, nil, fmt.Errorf("zbc: message length %d invalid", length)
	}
	if int(length) > len(data) {
		return 0, nil, ErrMessageTruncated
	}
	return id, data[6:length], nil
}
