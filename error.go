package canport

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the last failure seen by an adapter.
type ErrorCode int

const (
	NoError ErrorCode = iota
	InvalidBaudrate
	InvalidFilter
	PortOpen
	PortNotOpen
	BusNotOn
	TransportError
	CommandTimeout
	DeviceError
	QueueFull
	ChannelNotFound
	VendorError
	UnsupportedHardware
	NotSupported
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "no error"
	case InvalidBaudrate:
		return "invalid baudrate"
	case InvalidFilter:
		return "invalid filter"
	case PortOpen:
		return "port is open"
	case PortNotOpen:
		return "port is not open"
	case BusNotOn:
		return "bus is not on"
	case TransportError:
		return "transport error"
	case CommandTimeout:
		return "no response"
	case DeviceError:
		return "device error"
	case QueueFull:
		return "queue full"
	case ChannelNotFound:
		return "channel not found"
	case VendorError:
		return "vendor library error"
	case UnsupportedHardware:
		return "unsupported hardware"
	case NotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("unknown error (%d)", int(c))
	}
}

// Error carries an ErrorCode, a description and, for vendor libraries, the
// library's own status code.
type Error struct {
	Code        ErrorCode
	Description string
	Secondary   int32
	Err         error
}

func (e *Error) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrCommandTimeout)
// works for wrapped and annotated variants.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from err, NoError for nil and TransportError
// for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return NoError
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return TransportError
}

var (
	ErrInvalidBaudrate = &Error{Code: InvalidBaudrate}
	ErrInvalidFilter   = &Error{Code: InvalidFilter}
	ErrPortOpen        = &Error{Code: PortOpen}
	ErrPortNotOpen     = &Error{Code: PortNotOpen}
	ErrBusNotOn        = &Error{Code: BusNotOn}
	ErrTransport       = &Error{Code: TransportError}
	ErrCommandTimeout  = &Error{Code: CommandTimeout}
	ErrDeviceError     = &Error{Code: DeviceError}
	ErrQueueFull       = &Error{Code: QueueFull}
	ErrChannelNotFound = &Error{Code: ChannelNotFound}
	ErrNotSupported    = &Error{Code: NotSupported}

	ErrUnknownParameter = errors.New("unknown parameter")
	ErrInvalidParameter = errors.New("invalid parameter value")
	ErrUnknownAdapter   = errors.New("unknown adapter type")
)
