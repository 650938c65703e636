// Package ultimate implements the semicolon-delimited ASCII protocol spoken
// by the laser marker. Commands are "CMD;arg1;arg2;...;\r\n"; responses are
// a single ACK (0x06) or NAK (0x15) byte followed by ";"-separated fields
// terminated by \r\n. The first field is a result code.
package ultimate

import (
	"errors"
	"strings"
)

const (
	ACK = 0x06
	NAK = 0x15
)

var (
	ErrEmptyResponse = errors.New("ultimate: response empty")
	ErrNoPrefix      = errors.New("ultimate: response missing ACK/NAK prefix")
)

// BuildCommand renders a command line.
func BuildCommand(command string, args ...string) []byte {
	parts := append([]string{strings.TrimSpace(command)}, args...)
	return []byte(strings.Join(parts, ";") + ";\r\n")
}

// Result is a parsed device response.
type Result struct {
	OK   bool // ACK prefix
	Code string
	Args []string
}

// ParseResult decodes a raw response including the prefix byte.
func ParseResult(raw []byte) (Result, error) {
	if len(raw) == 0 {
		return Result{}, ErrEmptyResponse
	}
	state := raw[0]
	if state != ACK && state != NAK {
		return Result{}, ErrNoPrefix
	}

	text := strings.TrimSpace(string(raw[1:]))
	text = strings.NewReplacer("\r", "", "\n", "").Replace(text)

	var fields []string
	for _, f := range strings.Split(text, ";") {
		if f != "" {
			fields = append(fields, f)
		}
	}

	res := Result{OK: state == ACK}
	if len(fields) > 0 {
		res.Code = fields[0]
		res.Args = fields[1:]
	}
	return res, nil
}

// ExtractValue pulls the value of variable varName out of a GetVars reply's
// args. Precedence: a "k=v" field with k == varName; the field following a
// field equal to varName; the sole arg when exactly one is present.
func ExtractValue(varName string, args []string) (string, bool) {
	varName = strings.TrimSpace(varName)
	if len(args) == 0 {
		return "", false
	}

	for _, a := range args {
		if k, v, ok := strings.Cut(a, "="); ok && strings.TrimSpace(k) == varName {
			return strings.TrimSpace(v), true
		}
	}

	for i := 0; i+1 < len(args); i++ {
		if strings.TrimSpace(args[i]) == varName {
			return strings.TrimSpace(args[i+1]), true
		}
	}

	if len(args) == 1 {
		return strings.TrimSpace(args[0]), true
	}
	return "", false
}
