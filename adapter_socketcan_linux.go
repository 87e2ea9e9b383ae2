//go:build linux

package canport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
	"golang.org/x/sync/errgroup"
)

const socketCANTxQueueSize = 256

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Type:               TypeSocketCan,
		Description:        "Linux SocketCAN raw socket",
		RequiresSerialPort: false,
		Load: func() (Driver, error) {
			return &socketCANDriver{channels: channelCursor{list: FindSocketCANDevices}}, nil
		},
	}); err != nil {
		panic(err)
	}
}

// FindSocketCANDevices lists network interfaces that look like CAN devices.
func FindSocketCANDevices() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var devs []string
	for _, i := range ifaces {
		if strings.Contains(i.Name, "can") {
			devs = append(devs, i.Name)
		}
	}
	return devs, nil
}

type socketCANDriver struct {
	channels channelCursor
}

func (d *socketCANDriver) New(channel string, opts *Options) (Adapter, error) {
	return NewSocketCAN(channel, opts), nil
}

func (d *socketCANDriver) FirstChannelName() (string, bool) { return d.channels.First() }
func (d *socketCANDriver) NextChannelName() (string, bool)  { return d.channels.Next() }

// frameReceiver is the receiving half of a CAN socket.
type frameReceiver interface {
	Receive() bool
	HasErrorFrame() bool
	Frame() can.Frame
	Err() error
	Close() error
}

// frameTransmitter is the sending half of a CAN socket.
type frameTransmitter interface {
	TransmitFrame(ctx context.Context, f can.Frame) error
}

type SocketCAN struct {
	*BaseAdapter

	mu       sync.Mutex
	baudrate uint32
	filter   softFilter

	rx     frameReceiver
	tx     frameTransmitter
	txq    chan *Message
	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ Adapter = (*SocketCAN)(nil)

func NewSocketCAN(dev string, opts *Options) *SocketCAN {
	a := &SocketCAN{BaseAdapter: NewBaseAdapter(dev, opts)}
	if opts != nil {
		a.baudrate = opts.Baudrate
	}
	return a
}

func (a *SocketCAN) SetParameter(key, value string) error {
	if key == "log_file" {
		a.logFile.setFileName(value)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownParameter, key)
}

// SetBaudRate sets the rate applied to the interface on Open. 0 leaves the
// interface configuration alone.
func (a *SocketCAN) SetBaudRate(rate uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsOpen() {
		return a.fail(ErrPortOpen)
	}
	if rate&RawBaudrateFlag != 0 {
		return a.fail(newError(InvalidBaudrate, "raw bit timing not supported"))
	}
	a.baudrate = rate
	return nil
}

func (a *SocketCAN) NumberOfFilters() int { return 1 }

func (a *SocketCAN) SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error {
	if a.IsOpen() {
		return a.fail(ErrPortOpen)
	}
	return a.fail(a.filter.set(slot, code, mask, extended))
}

func (a *SocketCAN) Open() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.IsOpen() {
		return a.fail(ErrPortOpen)
	}
	if a.baudrate != 0 {
		if err := a.configureDevice(); err != nil {
			a.log.Warn("unable to configure interface, using current settings", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := socketcan.DialContext(ctx, "can", a.name)
	if err != nil {
		cancel()
		return a.fail(wrapError(ChannelNotFound, err, "unable to open %s", a.name))
	}
	a.start(ctx, cancel, socketcan.NewReceiver(conn), socketcan.NewTransmitter(conn))
	a.trace().Debug("opened", "baudrate", a.baudrate)
	return nil
}

// start runs the receive and transmit loops over rx and tx until cancel is
// called or the receiver fails. Callers hold mu.
func (a *SocketCAN) start(ctx context.Context, cancel context.CancelFunc, rx frameReceiver, tx frameTransmitter) {
	if err := a.logFile.open(); err != nil {
		a.log.Warn("log file unavailable", "err", err)
	}
	txq := make(chan *Message, socketCANTxQueueSize)
	g, gctx := errgroup.WithContext(ctx)
	a.rx, a.tx, a.txq = rx, tx, txq
	a.cancel = cancel
	a.group = g
	a.ioFailed.Store(false)
	g.Go(func() error {
		return a.receive(gctx, rx)
	})
	g.Go(func() error {
		return a.transmit(gctx, tx, txq)
	})
	a.open.Store(true)
	a.clearError()
}

// configureDevice needs CAP_NET_ADMIN.
func (a *SocketCAN) configureDevice() error {
	d, err := candevice.New(a.name)
	if err != nil {
		return err
	}
	if err := d.SetDown(); err != nil {
		return err
	}
	if err := d.SetBitrate(a.baudrate); err != nil {
		return err
	}
	return d.SetUp()
}

func (a *SocketCAN) receive(ctx context.Context, rx frameReceiver) error {
	for rx.Receive() {
		if rx.HasErrorFrame() {
			continue
		}
		f := rx.Frame()
		if f.IsRemote || !a.busOn.Load() {
			continue
		}
		msg := NewMessageWithData(f.ID, f.Data[:f.Length], f.IsExtended)
		if !a.filter.accept(msg) {
			continue
		}
		a.pushReceived(msg)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := rx.Err(); err != nil {
		return a.ioFail(wrapError(TransportError, err, "receive failed"))
	}
	return nil
}

// transmit acknowledges a frame once the kernel accepted it.
func (a *SocketCAN) transmit(ctx context.Context, tx frameTransmitter, txq <-chan *Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-txq:
			f := can.Frame{
				ID:         msg.ID(),
				Length:     uint8(msg.Len()),
				IsExtended: msg.Extended(),
			}
			copy(f.Data[:], msg.Payload())
			if err := tx.TransmitFrame(ctx, f); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				a.fail(wrapError(TransportError, err, "transmit failed"))
				continue
			}
			a.pushSent(msg)
		}
	}
}

func (a *SocketCAN) GoBusOn() error {
	if !a.IsOpen() {
		return a.fail(ErrPortNotOpen)
	}
	a.busOn.Store(true)
	return nil
}

func (a *SocketCAN) GoBusOff() error {
	if !a.IsOpen() {
		return a.fail(ErrPortNotOpen)
	}
	a.busOn.Store(false)
	return nil
}

func (a *SocketCAN) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.IsOpen() {
		return nil
	}
	a.busOn.Store(false)
	a.open.Store(false)
	a.cancel()
	// unblocks Receive, tx shares the connection
	err := a.rx.Close()
	if werr := a.group.Wait(); werr != nil {
		a.trace().Debug("io loop ended", "err", werr)
	}
	a.rx, a.tx, a.txq = nil, nil, nil
	a.clearBuffers()
	a.trace().Debug("closed")
	a.logFile.close()
	if err != nil {
		return a.fail(wrapError(TransportError, err, "close failed"))
	}
	return nil
}

func (a *SocketCAN) SendMessage(msg *Message) (uint16, error) {
	if !a.IsOpen() || !a.busOn.Load() {
		return 0, a.fail(ErrBusNotOn)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.txq == nil {
		return 0, a.fail(ErrBusNotOn)
	}
	select {
	case a.txq <- msg.Clone():
		return 0, nil
	default:
		return 0, a.fail(ErrQueueFull)
	}
}

func (a *SocketCAN) State() State {
	switch {
	case !a.IsOpen():
		return StateClosed
	case a.ioFailed.Load():
		return StateUnknown
	case a.busOn.Load():
		return StateErrorActive
	}
	return StateBusOff
}
