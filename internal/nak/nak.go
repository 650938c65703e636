// Package nak defines the closed set of failure kinds carried in reply
// lines. Kinds are error values so validation and device paths can return
// them directly; the device bridge renders them as "{pkey}=NAK_...".
package nak

import "fmt"

// Kind is one failure tag from the reply-line taxonomy.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	UnknownParam      Kind = "NAK_UnknownParam"
	ReadOnly          Kind = "NAK_ReadOnly"
	OutOfRange        Kind = "NAK_OutOfRange"
	BadRW             Kind = "NAK_BadRW"
	MinGreaterThanMax Kind = "NAK_MinGreaterThanMax"
	DefaultOutOfRange Kind = "NAK_DefaultOutOfRange"
	DeviceDown        Kind = "NAK_DeviceDown"
	DeviceBadResponse Kind = "NAK_DeviceBadResponse"
	DeviceRejected    Kind = "NAK_DeviceRejected"
	DeviceComm        Kind = "NAK_DeviceComm"
	MappingMissing    Kind = "NAK_MappingMissing"
	UnknownDevice     Kind = "NAK_UnknownDevice"
)

// ZBC tags a ZBC-level error code, e.g. NAK_ZBC_00A1.
func ZBC(code uint16) Kind {
	return Kind(fmt.Sprintf("NAK_ZBC_%04X", code))
}

// Ultimate tags an Ultimate-level result code, e.g. NAK_Ultimate_ERR_42.
func Ultimate(code string) Kind {
	if code == "" {
		code = "FAIL"
	}
	return Kind("NAK_Ultimate_" + code)
}
