package canport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/canport/pkg/buffer"
	"github.com/roffe/canport/pkg/serialport"
)

const (
	slcanPollInterval      = 10 * time.Millisecond
	slcanDefaultRxTimeout  = 3000 * time.Millisecond
	slcanCommandTimeout    = 5000 * time.Millisecond
	slcanStatusSpacing     = 2000 * time.Millisecond
	slcanOpenPortTimeout   = 500 * time.Millisecond
	slcanOpenRetryPause    = 20 * time.Millisecond
	slcanFlushAttempts     = 3
	slcanDefaultSerialBaud = 115200
	slcanNumFilters        = 2
)

// Transport is the byte stream under a serial attached adapter.
type Transport interface {
	Write(p []byte) (int, error)
	Close() error
}

// TransportOpener opens name at baudrate. Received bytes are delivered to
// onReceive from a goroutine owned by the transport.
type TransportOpener func(name string, baudrate int, onReceive func([]byte)) (Transport, error)

func openSerialTransport(name string, baudrate int, onReceive func([]byte)) (Transport, error) {
	p, err := serialport.Open(serialport.Normalize(name), baudrate, onReceive)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Type:               TypeSLCan,
		Description:        "Lawicel / CANable SLCAN serial adapter",
		RequiresSerialPort: true,
		Load: func() (Driver, error) {
			return newSLCanDriver(serialport.PortNames), nil
		},
	}); err != nil {
		panic(err)
	}
}

type slcanDriver struct {
	channels channelCursor
}

func newSLCanDriver(list func() ([]string, error)) *slcanDriver {
	return &slcanDriver{channels: channelCursor{list: list}}
}

func (d *slcanDriver) New(channel string, opts *Options) (Adapter, error) {
	return NewSLCan(channel, opts), nil
}

func (d *slcanDriver) FirstChannelName() (string, bool) {
	return d.channels.First()
}

func (d *slcanDriver) NextChannelName() (string, bool) {
	return d.channels.Next()
}

type slcanResponse struct {
	text string
	err  error
}

// SLCan drives an SLCAN (Lawicel ASCII) adapter over a serial byte stream.
// Commands, frame transmissions included, are strictly one at a time: each
// waits for the device's reply line before the next is written.
type SLCan struct {
	*BaseAdapter

	openTransport TransportOpener
	cmdTimeout    time.Duration
	rxTimeout     atomic.Int64

	// mu serializes lifecycle and configuration
	mu             sync.Mutex
	baudrate       uint32
	serialBaudrate int
	filter         slcanFilter

	serialRx *buffer.Buffer[byte]
	halt     chan struct{}
	done     chan struct{}

	// cmdMu keeps one command in flight and guards transport
	cmdMu     sync.Mutex
	transport Transport

	// respMu guards hand-over of a completed reply line
	respMu sync.Mutex
	resp   chan slcanResponse

	stateMu          sync.Mutex
	lastStatusUpdate time.Time
	state            State
}

var _ Adapter = (*SLCan)(nil)

func NewSLCan(channel string, opts *Options) *SLCan {
	sl := &SLCan{
		BaseAdapter:    NewBaseAdapter(channel, opts),
		openTransport:  openSerialTransport,
		cmdTimeout:     slcanCommandTimeout,
		serialBaudrate: slcanDefaultSerialBaud,
		filter:         defaultSLCANFilter(),
		serialRx:       buffer.New[byte](buffer.DefaultCapacity),
		resp:           make(chan slcanResponse, 1),
		state:          StateClosed,
	}
	sl.rxTimeout.Store(int64(slcanDefaultRxTimeout))
	if opts != nil {
		if opts.Transport != nil {
			sl.openTransport = opts.Transport
		}
		if opts.CommandTimeout > 0 {
			sl.cmdTimeout = opts.CommandTimeout
		}
		if opts.SerialBaudrate > 0 {
			sl.serialBaudrate = opts.SerialBaudrate
		}
		if opts.Baudrate != 0 {
			if err := sl.SetBaudRate(opts.Baudrate); err != nil {
				sl.log.Warn("ignoring initial baud rate", "baudrate", opts.Baudrate, "err", err)
			}
		}
	}
	return sl
}

func (sl *SLCan) SetParameter(key, value string) error {
	switch key {
	case "log_file":
		sl.logFile.setFileName(value)
		return nil
	case "rx_timeout_ms":
		ms, err := strconv.Atoi(value)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%w %s=%q", ErrInvalidParameter, key, value)
		}
		sl.rxTimeout.Store(int64(time.Duration(ms) * time.Millisecond))
		return nil
	case "serial_baudrate":
		baud, err := strconv.Atoi(value)
		if err != nil || baud <= 0 {
			return fmt.Errorf("%w %s=%q", ErrInvalidParameter, key, value)
		}
		sl.mu.Lock()
		sl.serialBaudrate = baud
		sl.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownParameter, key)
}

func (sl *SLCan) SetBaudRate(rate uint32) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.IsOpen() {
		return sl.fail(ErrPortOpen)
	}
	if _, err := slcanBaudrateCommand(rate); err != nil {
		return sl.fail(err)
	}
	sl.baudrate = rate
	return nil
}

func (sl *SLCan) NumberOfFilters() int {
	return slcanNumFilters
}

// SetAcceptanceFilter only updates the register image, it is written to the
// device by Open.
func (sl *SLCan) SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.IsOpen() {
		return sl.fail(ErrPortOpen)
	}
	return sl.fail(sl.filter.set(slot, code, mask, extended))
}

// Open connects the transport, starts the receive goroutine and configures
// the device. Any failure tears everything down again.
func (sl *SLCan) Open() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.IsOpen() {
		return sl.fail(ErrPortOpen)
	}

	t, err := sl.connect()
	if err != nil {
		return sl.fail(wrapError(TransportError, err, "unable to open serial port %s", sl.name))
	}
	if err := sl.logFile.open(); err != nil {
		sl.log.Warn("log file unavailable", "err", err)
	}

	sl.cmdMu.Lock()
	sl.transport = t
	sl.cmdMu.Unlock()

	sl.serialRx.Clear()
	sl.halt = make(chan struct{})
	sl.done = make(chan struct{})
	go sl.receive(sl.halt, sl.done)
	sl.open.Store(true)

	sl.stateMu.Lock()
	sl.lastStatusUpdate = time.Time{}
	sl.state = StateUnknown
	sl.stateMu.Unlock()

	if err := sl.handshake(); err != nil {
		sl.teardown()
		return sl.fail(err)
	}
	sl.clearError()
	sl.trace().Debug("opened", "baudrate", sl.baudrate)
	return nil
}

// connect opens the transport, retrying for a short while since a port that
// was just closed may not be released yet.
func (sl *SLCan) connect() (Transport, error) {
	var t Transport
	err := retry.Do(func() error {
		var err error
		t, err = sl.openTransport(sl.name, sl.serialBaudrate, sl.rxCallback)
		return err
	},
		retry.Attempts(uint(slcanOpenPortTimeout/slcanOpenRetryPause)+1),
		retry.Delay(slcanOpenRetryPause),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			sl.trace().Debug("open port retry", "attempt", n, "err", err)
		}),
	)
	return t, err
}

func (sl *SLCan) handshake() error {
	// flush whatever the device has buffered
	err := retry.Do(func() error {
		_, err := sl.sendCommand("")
		return err
	},
		retry.Attempts(slcanFlushAttempts),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	rsp, err := sl.sendCommand("V")
	if err != nil {
		return err
	}
	sl.trace().Debug("response to V command", "rsp", rsp)

	rsp, err = sl.sendCommand("N")
	if err != nil {
		return err
	}
	sl.trace().Debug("response to N command", "rsp", rsp)

	if sl.baudrate == 0 {
		return newError(InvalidBaudrate, "baud rate not configured")
	}
	baudCmd, err := slcanBaudrateCommand(sl.baudrate)
	if err != nil {
		return err
	}
	if _, err := sl.sendCommand(baudCmd); err != nil {
		return err
	}

	codeCmd, maskCmd := sl.filter.commands()
	if _, err := sl.sendCommand(codeCmd); err != nil {
		return err
	}
	if _, err := sl.sendCommand(maskCmd); err != nil {
		return err
	}

	_, err = sl.sendCommand("O")
	return err
}

// GoBusOn succeeds whenever the port is open, an open SLCAN channel is
// always participating on the bus.
func (sl *SLCan) GoBusOn() error {
	if !sl.IsOpen() {
		return sl.fail(ErrPortNotOpen)
	}
	return nil
}

func (sl *SLCan) GoBusOff() error {
	if !sl.IsOpen() {
		return sl.fail(ErrPortNotOpen)
	}
	return nil
}

func (sl *SLCan) Close() error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if !sl.IsOpen() {
		return nil
	}
	return sl.teardown()
}

// teardown closes the channel on the device, stops the receive goroutine and
// releases the transport. The goroutine is joined even if the close command
// panics.
func (sl *SLCan) teardown() (err error) {
	defer func() {
		sl.open.Store(false)
		close(sl.halt)
		<-sl.done

		sl.cmdMu.Lock()
		if sl.transport != nil {
			err = sl.transport.Close()
			sl.transport = nil
		}
		sl.cmdMu.Unlock()

		sl.serialRx.Clear()
		sl.clearBuffers()
		sl.stateMu.Lock()
		sl.state = StateClosed
		sl.stateMu.Unlock()

		sl.trace().Debug("closed")
		sl.logFile.close()
	}()
	if _, cerr := sl.sendCommand("C"); cerr != nil {
		sl.trace().Debug("close command failed", "err", cerr)
	}
	return nil
}

// SendMessage writes msg and waits for the device to accept it. The accepted
// frame is copied to the acknowledgment queue.
func (sl *SLCan) SendMessage(msg *Message) (uint16, error) {
	if !sl.IsOpen() {
		return 0, sl.fail(ErrBusNotOn)
	}
	if _, err := sl.sendCommand(slcanEncode(msg)); err != nil {
		return 0, sl.fail(err)
	}
	sl.pushSent(msg.Clone())
	return 0, nil
}

// State polls the status flags at most once every two seconds and returns
// the last observed state in between.
func (sl *SLCan) State() State {
	if !sl.IsOpen() {
		return StateClosed
	}
	sl.stateMu.Lock()
	defer sl.stateMu.Unlock()
	if time.Since(sl.lastStatusUpdate) > slcanStatusSpacing {
		sl.lastStatusUpdate = time.Now()
		rsp, err := sl.sendCommand("F")
		if err != nil {
			sl.state = StateUnknown
		} else {
			sl.state = slcanDecodeStatus(rsp)
		}
	}
	return sl.state
}

// sendCommand writes cmd terminated by CR and waits for the reply line.
func (sl *SLCan) sendCommand(cmd string) (string, error) {
	sl.cmdMu.Lock()
	defer sl.cmdMu.Unlock()

	log := sl.trace()
	log.Debug("cmd: " + cmd)

	if sl.transport == nil {
		return "", ErrPortNotOpen
	}
	if !strings.HasSuffix(cmd, "\r") {
		cmd += "\r"
	}

	// discard a reply nobody asked for
	sl.respMu.Lock()
	select {
	case <-sl.resp:
	default:
	}
	sl.respMu.Unlock()

	if _, err := sl.transport.Write([]byte(cmd)); err != nil {
		return "", wrapError(TransportError, err, "failed to write to com port")
	}

	timer := time.NewTimer(sl.cmdTimeout)
	defer timer.Stop()
	select {
	case r := <-sl.resp:
		if r.err != nil {
			log.Debug("rsp: error")
			return "", r.err
		}
		log.Debug("rsp: " + r.text)
		return r.text, nil
	case <-timer.C:
		log.Debug("rsp: timeout")
		return "", newError(CommandTimeout, "no response to %q", strings.TrimSuffix(cmd, "\r"))
	}
}

// deliver hands a reply to the waiting command, replacing an unclaimed one.
func (sl *SLCan) deliver(r slcanResponse) {
	sl.respMu.Lock()
	defer sl.respMu.Unlock()
	select {
	case sl.resp <- r:
		return
	default:
	}
	// the waiting command may have taken the stale reply in between
	select {
	case <-sl.resp:
	default:
	}
	select {
	case sl.resp <- r:
	default:
	}
}

// rxCallback runs on the transport's goroutine.
func (sl *SLCan) rxCallback(data []byte) {
	for _, b := range data {
		if !sl.serialRx.Push(b, 0) {
			sl.log.Warn("serial receive buffer overrun")
			return
		}
	}
}

// receive reassembles lines from the serial buffer. Frames go to the receive
// queue, anything else completes the pending command.
func (sl *SLCan) receive(halt <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	line := make([]byte, 0, 64)
	var idle time.Duration
	for {
		select {
		case <-halt:
			return
		default:
		}
		b, ok := sl.serialRx.Pop(slcanPollInterval)
		if !ok {
			if len(line) > 0 {
				idle += slcanPollInterval
				if idle > time.Duration(sl.rxTimeout.Load()) {
					sl.trace().Debug("rx timeout", "partial", string(line))
					line = line[:0]
					idle = 0
				}
			} else {
				idle = 0
			}
			continue
		}
		idle = 0
		switch b {
		case CR:
			sl.dispatch(string(line))
			line = line[:0]
		case BEL:
			sl.deliver(slcanResponse{err: newError(DeviceError, "device rejected command")})
			line = line[:0]
		default:
			line = append(line, b)
		}
	}
}

func (sl *SLCan) dispatch(line string) {
	if strings.HasPrefix(line, "t") || strings.HasPrefix(line, "T") {
		msg, err := slcanDecode(line)
		if err != nil {
			sl.trace().Debug("dropped malformed frame", "line", line, "err", err)
			return
		}
		sl.pushReceived(msg)
		return
	}
	sl.deliver(slcanResponse{text: line})
}
