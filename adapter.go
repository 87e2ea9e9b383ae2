package canport

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Port is the message exchange half of an adapter.
type Port interface {
	// SendMessage queues msg for transmission. The returned transaction id
	// is reserved for acknowledgment correlation and currently always 0.
	SendMessage(msg *Message) (uint16, error)
	NumReceivedMessagesAvailable() int
	// ReceivedMessage waits up to timeout for an inbound frame.
	ReceivedMessage(timeout time.Duration) (*Message, bool)
	NumSentMessagesAvailable() int
	// SentMessage waits up to timeout for a transmit acknowledgment.
	SentMessage(timeout time.Duration) (*Message, bool)
	ErrorCode() ErrorCode
	// ErrorDescription returns a human readable text and a vendor specific
	// secondary code for code.
	ErrorDescription(code ErrorCode) (string, int32)
	// ErrorCounters reports the CAN transmit and receive error counters,
	// -1/-1 when they are not available.
	ErrorCounters() (tx, rx int)
}

// Adapter is a Port plus bus lifecycle control. Configuration calls are only
// legal while the adapter is closed.
type Adapter interface {
	Port
	Name() string
	SetParameter(key, value string) error
	SetBaudRate(rate uint32) error
	NumberOfFilters() int
	// SetAcceptanceFilter configures filter slot. A 1 in mask marks the
	// corresponding bit of code as relevant.
	SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error
	Open() error
	GoBusOn() error
	GoBusOff() error
	Close() error
	State() State
}

type State int

const (
	StateUnknown State = iota - 1
	StateClosed
	StateErrorActive
	StateErrorPassive
	StateBusOff
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateErrorActive:
		return "ErrorActive"
	case StateErrorPassive:
		return "ErrorPassive"
	case StateBusOff:
		return "BusOff"
	default:
		return "Unknown"
	}
}

// RawBaudrateFlag marks a baud rate value as a raw BTR0/BTR1 register pair:
// bits 0-7 hold BTR0 and bits 8-15 hold BTR1.
const RawBaudrateFlag uint32 = 0x80000000

// btr01 returns the register pair encoded in a raw baud rate value with BTR0
// in the high byte.
func btr01(rate uint32) uint16 {
	return uint16((rate&0xFF)<<8 | (rate&0xFF00)>>8)
}

// AdapterType enumerates the adapter families the registry knows about.
type AdapterType int

const (
	TypeNone AdapterType = iota - 1
	TypeEcho
	TypeNiCan
	TypeLawicelCan
	TypePeakCan
	TypeKvaserCan
	TypeVectorCan
	TypeEmsWuenscheCan
	TypeSLCan
	TypeSocketCan
	TypeNiXnetCan
)

var adapterTypeNames = map[AdapterType][]string{
	TypeEcho:           {"Echo", "loopback"},
	TypeNiCan:          {"NiCan", "ni"},
	TypeLawicelCan:     {"LawicelCan", "lawicel", "canusb"},
	TypePeakCan:        {"PeakCan", "pcan", "peak"},
	TypeKvaserCan:      {"KvaserCan", "kvaser", "canlib"},
	TypeVectorCan:      {"VectorCan", "vector"},
	TypeEmsWuenscheCan: {"EmsWuenscheCan", "emsw"},
	TypeSLCan:          {"SLCan", "slcan", "canable"},
	TypeSocketCan:      {"SocketCan", "socketcan"},
	TypeNiXnetCan:      {"NiXnetCan", "xnet"},
}

func (t AdapterType) String() string {
	if names, ok := adapterTypeNames[t]; ok {
		return names[0]
	}
	return "None"
}

// ParseAdapterType resolves a name or alias, case insensitive.
func ParseAdapterType(name string) (AdapterType, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for t, names := range adapterTypeNames {
		for _, n := range names {
			if strings.ToLower(n) == normalized {
				return t, nil
			}
		}
	}
	return TypeNone, fmt.Errorf("%w %q", ErrUnknownAdapter, name)
}

// Options are handed to adapter constructors.
type Options struct {
	Logger *slog.Logger
	// Baudrate is the initial CAN bit rate, 0 leaves it unset.
	Baudrate uint32
	// SerialBaudrate is the line speed for serial attached adapters.
	SerialBaudrate int
	// Transport opens the byte stream for serial attached adapters,
	// nil selects the serial port implementation.
	Transport TransportOpener
	// CommandTimeout bounds the wait for a device reply, 0 keeps the
	// adapter default.
	CommandTimeout time.Duration
}

func (o *Options) logger() *slog.Logger {
	if o == nil || o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}
