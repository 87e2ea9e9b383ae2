package canport

import "time"

// NullAdapter stands in when no real adapter could be created. Every
// operation fails with NotSupported and nothing is ever received.
type NullAdapter struct {
	name string
}

var _ Adapter = (*NullAdapter)(nil)

func NewNullAdapter(channel string) *NullAdapter {
	return &NullAdapter{name: channel}
}

func (n *NullAdapter) Name() string                         { return n.name }
func (n *NullAdapter) SetParameter(key, value string) error { return ErrNotSupported }
func (n *NullAdapter) SetBaudRate(rate uint32) error        { return ErrNotSupported }
func (n *NullAdapter) NumberOfFilters() int                 { return 0 }

func (n *NullAdapter) SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error {
	return ErrNotSupported
}

func (n *NullAdapter) Open() error     { return ErrNotSupported }
func (n *NullAdapter) GoBusOn() error  { return ErrNotSupported }
func (n *NullAdapter) GoBusOff() error { return ErrNotSupported }
func (n *NullAdapter) Close() error    { return nil }
func (n *NullAdapter) State() State    { return StateClosed }

func (n *NullAdapter) SendMessage(msg *Message) (uint16, error) { return 0, ErrNotSupported }
func (n *NullAdapter) NumReceivedMessagesAvailable() int        { return 0 }
func (n *NullAdapter) NumSentMessagesAvailable() int            { return 0 }

func (n *NullAdapter) ReceivedMessage(timeout time.Duration) (*Message, bool) {
	return nil, false
}

func (n *NullAdapter) SentMessage(timeout time.Duration) (*Message, bool) {
	return nil, false
}

func (n *NullAdapter) ErrorCode() ErrorCode { return NotSupported }

func (n *NullAdapter) ErrorDescription(code ErrorCode) (string, int32) {
	if code == NoError {
		return "", 0
	}
	return code.String(), 0
}

func (n *NullAdapter) ErrorCounters() (int, int) { return -1, -1 }
