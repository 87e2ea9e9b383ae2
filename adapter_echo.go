package canport

import (
	"fmt"
	"sync"
)

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Type:               TypeEcho,
		Description:        "Loopback adapter, every sent frame is received back",
		RequiresSerialPort: false,
		Load: func() (Driver, error) {
			return &echoDriver{channels: channelCursor{list: func() ([]string, error) {
				return []string{"echo0"}, nil
			}}}, nil
		},
	}); err != nil {
		panic(err)
	}
}

type echoDriver struct {
	channels channelCursor
}

func (d *echoDriver) New(channel string, opts *Options) (Adapter, error) {
	return NewEcho(channel, opts), nil
}

func (d *echoDriver) FirstChannelName() (string, bool) { return d.channels.First() }
func (d *echoDriver) NextChannelName() (string, bool)  { return d.channels.Next() }

// Echo loops every sent frame back into its own receive queue. It is used
// for testing applications without hardware.
type Echo struct {
	*BaseAdapter
	mu       sync.Mutex
	baudrate uint32
	filter   softFilter
}

var _ Adapter = (*Echo)(nil)

func NewEcho(channel string, opts *Options) *Echo {
	e := &Echo{BaseAdapter: NewBaseAdapter(channel, opts)}
	if opts != nil {
		e.baudrate = opts.Baudrate
	}
	return e
}

func (e *Echo) SetParameter(key, value string) error {
	if key == "log_file" {
		e.logFile.setFileName(value)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownParameter, key)
}

func (e *Echo) SetBaudRate(rate uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.IsOpen() {
		return e.fail(ErrPortOpen)
	}
	if rate == 0 {
		return e.fail(newError(InvalidBaudrate, "baud rate must not be zero"))
	}
	e.baudrate = rate
	return nil
}

func (e *Echo) NumberOfFilters() int { return 1 }

func (e *Echo) SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error {
	if e.IsOpen() {
		return e.fail(ErrPortOpen)
	}
	return e.fail(e.filter.set(slot, code, mask, extended))
}

func (e *Echo) Open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.IsOpen() {
		return e.fail(ErrPortOpen)
	}
	if err := e.logFile.open(); err != nil {
		e.log.Warn("log file unavailable", "err", err)
	}
	e.open.Store(true)
	e.clearError()
	e.trace().Debug("opened", "baudrate", e.baudrate)
	return nil
}

func (e *Echo) GoBusOn() error {
	if !e.IsOpen() {
		return e.fail(ErrPortNotOpen)
	}
	e.busOn.Store(true)
	return nil
}

func (e *Echo) GoBusOff() error {
	if !e.IsOpen() {
		return e.fail(ErrPortNotOpen)
	}
	e.busOn.Store(false)
	return nil
}

func (e *Echo) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.IsOpen() {
		return nil
	}
	e.busOn.Store(false)
	e.open.Store(false)
	e.clearBuffers()
	e.trace().Debug("closed")
	e.logFile.close()
	return nil
}

func (e *Echo) State() State {
	switch {
	case !e.IsOpen():
		return StateClosed
	case e.busOn.Load():
		return StateErrorActive
	}
	return StateBusOff
}

func (e *Echo) SendMessage(msg *Message) (uint16, error) {
	if !e.IsOpen() || !e.busOn.Load() {
		return 0, e.fail(ErrBusNotOn)
	}
	e.trace().Debug("tx", "frame", msg.String())
	e.pushSent(msg.Clone())
	if e.filter.accept(msg) {
		e.pushReceived(msg.Clone())
	}
	return 0, nil
}
