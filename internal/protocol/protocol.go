// Package protocol implements the parameter-message grammar spoken between
// the peer and the bridge: lines of the form PPPnnnnn=value, optionally
// prefixed with ACK_ on replies.
package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// Op is the operation encoded in a parameter line.
type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// pidWidth is the canonical zero-pad width per parameter type.
var pidWidth = map[string]int{
	"TTP": 5,
	"MAP": 4,
	"MAS": 4,
	"TTE": 4,
	"TTW": 4,
	"LSE": 4,
	"LSW": 4,
	"MAE": 4,
	"MAW": 4,
}

var lineRx = regexp.MustCompile(`^\s*([A-Za-z]{3})([0-9A-Za-z_]+)\s*=\s*(\?|-?[0-9A-Za-z_.]+)\s*$`)

// Msg is a parsed parameter line.
type Msg struct {
	Raw   string
	PType string // "TTP"
	PID   string // "00002", canonical width
	Op    Op
	Value string // literal value for writes, "?" for reads
}

// PKey returns the canonical parameter key, e.g. "TTP00002".
func (m Msg) PKey() string { return m.PType + m.PID }

// NormalizePID pads pid to the canonical width for ptype. Numeric pids are
// re-rendered so "0007" and "7" normalize identically; non-numeric pids are
// left-padded as-is.
func NormalizePID(ptype, pid string) string {
	w, ok := pidWidth[ptype]
	if !ok {
		w = 4
		if len(pid) > w {
			w = len(pid)
		}
	}
	if n, err := strconv.Atoi(pid); err == nil {
		pid = strconv.Itoa(n)
	}
	if len(pid) >= w {
		return pid
	}
	return strings.Repeat("0", w-len(pid)) + pid
}

// ParseLine parses a peer request line. It returns false when the line does
// not match the parameter grammar.
func ParseLine(s string) (Msg, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Msg{}, false
	}
	m := lineRx.FindStringSubmatch(s)
	if m == nil {
		return Msg{}, false
	}
	ptype := strings.ToUpper(m[1])
	pid := m[2]
	if isDigits(pid) {
		pid = NormalizePID(ptype, pid)
	}
	msg := Msg{Raw: s, PType: ptype, PID: pid, Value: m[3]}
	if m[3] == "?" {
		msg.Op = OpRead
	} else {
		msg.Op = OpWrite
	}
	return msg, true
}

// BuildValue renders "PPPnnnnn=value" with the pid normalized.
func BuildValue(ptype, pid, value string) string {
	return ptype + NormalizePID(ptype, pid) + "=" + value
}

// BuildAck renders "ACK_PPPnnnnn=value".
func BuildAck(ptype, pid, value string) string {
	return "ACK_" + BuildValue(ptype, pid, value)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
