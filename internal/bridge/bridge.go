// Package bridge executes parameter reads and writes against the field
// devices. It routes on parameter type, enforces read-only and range
// metadata, and renders every outcome as a single reply line so the router
// never has to branch on device errors.
package bridge

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/maslabs/databridge/internal/devices"
	"github.com/maslabs/databridge/internal/logstore"
	"github.com/maslabs/databridge/internal/metrics"
	"github.com/maslabs/databridge/internal/nak"
	"github.com/maslabs/databridge/internal/params"
	"github.com/maslabs/databridge/internal/protocol"
	"github.com/maslabs/databridge/internal/ultimate"
	"github.com/maslabs/databridge/internal/zbc"
)

// Device channel names. "raspi" is the local simulation target.
const (
	DeviceLine     = "esp-plc"
	DeviceZBC      = "vj6530"
	DeviceUltimate = "vj3350"
	DeviceLocal    = "raspi"
)

// readOnlyPTypes are status/event parameter types the peer may never write.
var readOnlyPTypes = map[string]bool{
	"TTE": true, "TTW": true,
	"LSE": true, "LSW": true,
	"MAE": true, "MAW": true,
}

// lineRHS pulls the value out of a "key=value" device reply.
var lineRHS = regexp.MustCompile(`^\s*[A-Za-z0-9_]+\s*=\s*(.+?)\s*$`)

// LineExchanger is the PLC line-protocol client surface.
type LineExchanger interface {
	Exchange(ctx context.Context, line string) (string, error)
}

// ZBCTransactor is the printer ZBC client surface.
type ZBCTransactor interface {
	Transact(ctx context.Context, messageID uint16, body []byte) (uint16, []byte, error)
}

// UltimateCommander is the laser-marker client surface.
type UltimateCommander interface {
	Command(ctx context.Context, command string, args ...string) (ultimate.Result, error)
}

// DeviceChecker gates live device calls.
type DeviceChecker interface {
	Check(ctx context.Context) bool
}

// Config wires one client, watchdog and simulation flag per device. A nil
// watchdog means no gate; a true Sim flag short-circuits the device entirely.
type Config struct {
	Params *params.Store
	Logs   *logstore.Store

	Line      LineExchanger
	LineWatch DeviceChecker
	LineSim   bool

	ZBC      ZBCTransactor
	ZBCWatch DeviceChecker
	ZBCSim   bool

	Ultimate      UltimateCommander
	UltimateWatch DeviceChecker
	UltimateSim   bool
}

type Bridge struct {
	log *slog.Logger
	cfg Config
}

func New(log *slog.Logger, cfg Config) *Bridge {
	return &Bridge{log: log, cfg: cfg}
}

// DeviceFor maps a parameter type to its device channel.
func DeviceFor(ptype string) string {
	switch {
	case strings.HasPrefix(ptype, "TT"):
		return DeviceZBC
	case strings.HasPrefix(ptype, "LS"):
		return DeviceUltimate
	case strings.HasPrefix(ptype, "MA"):
		return DeviceLine
	default:
		return DeviceLocal
	}
}

// Execute runs one parameter operation and returns the reply line. Failures
// are rendered as "{pkey}=NAK_..."; Execute never returns an error.
func (b *Bridge) Execute(ctx context.Context, device string, msg protocol.Msg) string {
	reply, kind := b.execute(ctx, device, msg)
	if kind != "" {
		metrics.DeviceExchanges.WithLabelValues(device, "nak").Inc()
		return msg.PKey() + "=" + string(kind)
	}
	metrics.DeviceExchanges.WithLabelValues(device, "ok").Inc()
	return reply
}

func (b *Bridge) execute(ctx context.Context, device string, msg protocol.Msg) (string, nak.Kind) {
	if msg.Op == protocol.OpWrite && readOnlyPTypes[msg.PType] {
		return "", nak.ReadOnly
	}
	if msg.Op == protocol.OpWrite {
		if err := b.cfg.Params.ValidateWrite(ctx, msg.PKey(), msg.Value); err != nil {
			return "", b.kindOf(err, msg)
		}
	}

	switch device {
	case DeviceLocal:
		return b.simulated(ctx, msg)
	case DeviceLine:
		if b.cfg.LineSim {
			return b.simulated(ctx, msg)
		}
		if !b.checkUp(ctx, b.cfg.LineWatch) {
			return "", nak.DeviceDown
		}
		return b.lineExchange(ctx, msg)
	case DeviceZBC:
		if b.cfg.ZBCSim {
			return b.simulated(ctx, msg)
		}
		if !b.checkUp(ctx, b.cfg.ZBCWatch) {
			return "", nak.DeviceDown
		}
		return b.zbcExchange(ctx, msg)
	case DeviceUltimate:
		if b.cfg.UltimateSim {
			return b.simulated(ctx, msg)
		}
		if !b.checkUp(ctx, b.cfg.UltimateWatch) {
			return "", nak.DeviceDown
		}
		return b.ultimateExchange(ctx, msg)
	default:
		return "", nak.UnknownDevice
	}
}

func (b *Bridge) checkUp(ctx context.Context, w DeviceChecker) bool {
	if w == nil {
		return true
	}
	return w.Check(ctx)
}

// simulated answers from the parameter store alone.
func (b *Bridge) simulated(ctx context.Context, msg protocol.Msg) (string, nak.Kind) {
	pkey := msg.PKey()
	if msg.Op == protocol.OpRead {
		meta, err := b.cfg.Params.GetMeta(ctx, pkey)
		if err != nil {
			return "", b.kindOf(err, msg)
		}
		if meta == nil {
			return "", nak.UnknownParam
		}
		v, err := b.cfg.Params.GetEffectiveValue(ctx, pkey)
		if err != nil {
			return "", b.kindOf(err, msg)
		}
		return protocol.BuildValue(msg.PType, msg.PID, v), ""
	}

	if err := b.cfg.Params.SetValue(ctx, pkey, msg.Value); err != nil {
		return "", b.kindOf(err, msg)
	}
	return protocol.BuildAck(msg.PType, msg.PID, msg.Value), ""
}

// lineExchange forwards the line verbatim to the PLC.
func (b *Bridge) lineExchange(ctx context.Context, msg protocol.Msg) (string, nak.Kind) {
	pkey := msg.PKey()
	m, err := b.cfg.Params.GetDeviceMap(ctx, pkey)
	if err != nil {
		return "", b.kindOf(err, msg)
	}
	key := m.LineKey
	if key == "" {
		key = pkey
	}

	out := key + "=" + msg.Value
	b.logDevice(ctx, DeviceLine, "TX", out)
	reply, err := b.cfg.Line.Exchange(ctx, out)
	if err != nil {
		b.log.Warn("line exchange failed", "pkey", pkey, "error", err)
		return "", nak.DeviceComm
	}
	b.logDevice(ctx, DeviceLine, "RX", reply)

	if msg.Op == protocol.OpWrite {
		if strings.Contains(strings.ToUpper(reply), "NAK") {
			return "", nak.DeviceRejected
		}
		b.recordWrite(ctx, pkey, msg.Value)
		return protocol.BuildAck(msg.PType, msg.PID, msg.Value), ""
	}

	// "key=value" reply yields the right-hand side; anything else is taken
	// whole
	value := strings.TrimSpace(reply)
	if sub := lineRHS.FindStringSubmatch(reply); sub != nil {
		value = sub[1]
	}
	if value == "" {
		return "", nak.DeviceBadResponse
	}
	b.recordRead(ctx, pkey, value)
	return protocol.BuildValue(msg.PType, msg.PID, value), ""
}

// zbcExchange runs a framed transaction against the printer. The command id
// from the device mapping is mandatory; the message id, codec and scaling
// fall back to defaults.
func (b *Bridge) zbcExchange(ctx context.Context, msg protocol.Msg) (string, nak.Kind) {
	pkey := msg.PKey()
	m, err := b.cfg.Params.GetDeviceMap(ctx, pkey)
	if err != nil {
		return "", b.kindOf(err, msg)
	}
	if m.ZBCCommandID == nil {
		return "", nak.MappingMissing
	}
	cmdID := *m.ZBCCommandID

	messageID := uint16(zbc.DefaultMessageID)
	if m.ZBCMessageID != nil {
		messageID = *m.ZBCMessageID
	}
	codec := m.ZBCValueCodec
	if codec == "" {
		codec = "u16"
	}
	var scale, offset float64
	if m.ZBCScale != nil {
		scale = *m.ZBCScale
	}
	if m.ZBCOffset != nil {
		offset = *m.ZBCOffset
	}

	body := binary.LittleEndian.AppendUint16(nil, cmdID)
	if msg.Op == protocol.OpWrite {
		enc, err := zbc.EncodeValue(msg.Value, codec, scale, offset)
		if err != nil {
			b.log.Warn("zbc encode failed", "pkey", pkey, "codec", codec, "error", err)
			return "", nak.DeviceBadResponse
		}
		body = append(body, enc...)
	}

	b.logDevice(ctx, DeviceZBC, "TX", fmt.Sprintf("msg=%04X body=%s", messageID, hex.EncodeToString(body)))
	respID, respBody, err := b.cfg.ZBC.Transact(ctx, messageID, body)
	if err != nil {
		if errors.Is(err, devices.ErrZBCNak) {
			b.logDevice(ctx, DeviceZBC, "RX", "NAK")
			return "", nak.DeviceRejected
		}
		b.log.Warn("zbc transact failed", "pkey", pkey, "error", err)
		return "", nak.DeviceComm
	}
	b.logDevice(ctx, DeviceZBC, "RX", fmt.Sprintf("msg=%04X body=%s", respID, hex.EncodeToString(respBody)))

	if respID == zbc.ErrMessageID {
		code := uint16(0xFFFF)
		if len(respBody) >= 2 {
			code = binary.LittleEndian.Uint16(respBody)
		}
		return "", nak.ZBC(code)
	}

	if msg.Op == protocol.OpWrite {
		b.recordWrite(ctx, pkey, msg.Value)
		return protocol.BuildAck(msg.PType, msg.PID, msg.Value), ""
	}

	// the device echoes the command id in front of the value
	data := respBody
	if len(data) >= 2 && binary.LittleEndian.Uint16(data) == cmdID {
		data = data[2:]
	}
	if len(data) == 0 {
		b.log.Warn("zbc read returned no value", "pkey", pkey)
		return "", nak.DeviceBadResponse
	}
	value, err := zbc.DecodeValue(data, codec, scale, offset)
	if err != nil {
		b.log.Warn("zbc decode failed", "pkey", pkey, "codec", codec, "error", err)
		return "", nak.DeviceBadResponse
	}
	b.recordRead(ctx, pkey, value)
	return protocol.BuildValue(msg.PType, msg.PID, value), ""
}

// ultimateExchange runs a SetVars/GetVars command against the laser marker.
func (b *Bridge) ultimateExchange(ctx context.Context, msg protocol.Msg) (string, nak.Kind) {
	pkey := msg.PKey()
	m, err := b.cfg.Params.GetDeviceMap(ctx, pkey)
	if err != nil {
		return "", b.kindOf(err, msg)
	}
	varName := m.UltimateVarName
	if varName == "" {
		varName = pkey
	}

	if msg.Op == protocol.OpWrite {
		cmd := m.UltimateSetCmd
		if cmd == "" {
			cmd = "SetVars"
		}
		b.logDevice(ctx, DeviceUltimate, "TX", cmd+";"+varName+";"+msg.Value)
		res, err := b.cfg.Ultimate.Command(ctx, cmd, varName, msg.Value)
		if err != nil {
			b.log.Warn("ultimate command failed", "pkey", pkey, "error", err)
			return "", nak.DeviceComm
		}
		b.logDevice(ctx, DeviceUltimate, "RX", res.Code)
		if !res.OK {
			return "", nak.Ultimate(res.Code)
		}
		b.recordWrite(ctx, pkey, msg.Value)
		return protocol.BuildAck(msg.PType, msg.PID, msg.Value), ""
	}

	cmd := m.UltimateGetCmd
	if cmd == "" {
		cmd = "GetVars"
	}
	b.logDevice(ctx, DeviceUltimate, "TX", cmd+";"+varName)
	res, err := b.cfg.Ultimate.Command(ctx, cmd, varName)
	if err != nil {
		b.log.Warn("ultimate command failed", "pkey", pkey, "error", err)
		return "", nak.DeviceComm
	}
	b.logDevice(ctx, DeviceUltimate, "RX", strings.Join(append([]string{res.Code}, res.Args...), ";"))
	if !res.OK {
		return "", nak.Ultimate(res.Code)
	}
	value, ok := ultimate.ExtractValue(varName, res.Args)
	if !ok {
		return "", nak.DeviceBadResponse
	}
	b.recordRead(ctx, pkey, value)
	return protocol.BuildValue(msg.PType, msg.PID, value), ""
}

// recordWrite persists a device-accepted write; the write was validated
// before the device call, so a store failure only gets logged.
func (b *Bridge) recordWrite(ctx context.Context, pkey, value string) {
	if err := b.cfg.Params.SetValue(ctx, pkey, value); err != nil {
		b.log.Warn("record write failed", "pkey", pkey, "error", err)
	}
}

func (b *Bridge) recordRead(ctx context.Context, pkey, value string) {
	if err := b.cfg.Params.ApplyDeviceValue(ctx, pkey, value); err != nil {
		b.log.Warn("record read failed", "pkey", pkey, "error", err)
	}
}

func (b *Bridge) logDevice(ctx context.Context, channel, direction, message string) {
	if b.cfg.Logs != nil {
		b.cfg.Logs.Log(ctx, channel, direction, message)
	}
}

// kindOf maps an error to its NAK kind; unexpected errors become
// NAK_DeviceComm after a log line.
func (b *Bridge) kindOf(err error, msg protocol.Msg) nak.Kind {
	var k nak.Kind
	if errors.As(err, &k) {
		return k
	}
	b.log.Error("bridge internal error", "pkey", msg.PKey(), "op", string(msg.Op), "error", err)
	return nak.DeviceComm
}
