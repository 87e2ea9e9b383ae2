package canport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const vendorReadTimeout = 50 * time.Millisecond

// VendorLibrary is a loaded vendor SDK (Kvaser CANlib, PCAN-Basic, NI-CAN
// and the like). How the library was loaded is up to the caller.
type VendorLibrary interface {
	Channels() ([]string, error)
	OpenChannel(name string) (VendorChannel, error)
}

// VendorChannel is one opened channel of a VendorLibrary. Read returns
// ErrVendorNoMessage when nothing arrived within timeout.
type VendorChannel interface {
	SetBusParamsBTR(btr0, btr1 byte) error
	SetAcceptance(code, mask uint32, extended bool) error
	BusOn() error
	BusOff() error
	Write(frame VendorFrame) error
	Read(timeout time.Duration) (VendorFrame, error)
	BusStatus() (VendorBusStatus, error)
	ErrorCounters() (tx, rx int, err error)
	Close() error
}

var ErrVendorNoMessage = errors.New("no message")

// VendorStatus is the status code and text a vendor library reports for a
// failed call.
type VendorStatus struct {
	Status int32
	Text   string
}

func (s *VendorStatus) Error() string {
	return fmt.Sprintf("%s (%d)", s.Text, s.Status)
}

type VendorFrameFlags uint32

const (
	VendorFrameExtended VendorFrameFlags = 1 << iota
	VendorFrameRemote
	VendorFrameError
	// VendorFrameTxAck marks the library's echo of a frame that went out on
	// the bus.
	VendorFrameTxAck
)

type VendorFrame struct {
	ID    uint32
	Data  []byte
	Flags VendorFrameFlags
}

type VendorBusStatus uint32

const (
	VendorBusErrorActive VendorBusStatus = 1 << iota
	VendorBusErrorWarning
	VendorBusErrorPassive
	VendorBusOff
)

// BTR0/BTR1 for a 16 MHz SJA1000 clock, BTR0 in the high byte.
var vendorBitrates = map[uint32]uint16{
	1000000: 0x0014,
	800000:  0x0016,
	500000:  0x001C,
	250000:  0x011C,
	125000:  0x031C,
	100000:  0x432F,
	50000:   0x472F,
	20000:   0x532F,
	10000:   0x672F,
	5000:    0x7F7F,
}

func vendorBTR(rate uint32) (uint16, error) {
	if rate&RawBaudrateFlag == RawBaudrateFlag {
		return btr01(rate), nil
	}
	if btr, ok := vendorBitrates[rate]; ok {
		return btr, nil
	}
	return 0, newError(InvalidBaudrate, "unsupported bit rate %d", rate)
}

// vendorError converts a library failure, keeping its status as the
// secondary code.
func vendorError(op string, err error) *Error {
	e := wrapError(VendorError, err, "%s failed", op)
	var status *VendorStatus
	if errors.As(err, &status) {
		e.Secondary = status.Status
	}
	return e
}

// RegisterVendorLibrary registers adapter type t in the default registry,
// backed by the library load returns. load runs once, on first use.
func RegisterVendorLibrary(t AdapterType, description string, load func() (VendorLibrary, error)) error {
	return defaultRegistry.RegisterVendorLibrary(t, description, load)
}

func (r *Registry) RegisterVendorLibrary(t AdapterType, description string, load func() (VendorLibrary, error)) error {
	return r.Register(&AdapterInfo{
		Type:        t,
		Description: description,
		Load: func() (Driver, error) {
			lib, err := load()
			if err != nil {
				return nil, wrapError(UnsupportedHardware, err, "failed to load %s library", t)
			}
			return newVendorDriver(lib), nil
		},
	})
}

type vendorDriver struct {
	lib      VendorLibrary
	channels channelCursor
}

func newVendorDriver(lib VendorLibrary) *vendorDriver {
	return &vendorDriver{lib: lib, channels: channelCursor{list: lib.Channels}}
}

func (d *vendorDriver) New(channel string, opts *Options) (Adapter, error) {
	return NewVendorAdapter(d.lib, channel, opts), nil
}

func (d *vendorDriver) FirstChannelName() (string, bool) { return d.channels.First() }
func (d *vendorDriver) NextChannelName() (string, bool)  { return d.channels.Next() }

// VendorAdapter forwards to a channel of a vendor library. Unlike SLCAN the
// library reports real transmit acknowledgments and bus status.
type VendorAdapter struct {
	*BaseAdapter
	lib VendorLibrary

	mu       sync.Mutex
	baudrate uint32
	filter   vendorFilter
	ch       VendorChannel
	cancel   context.CancelFunc
	group    *errgroup.Group
}

type vendorFilter struct {
	enabled    bool
	code, mask uint32
	extended   bool
}

var _ Adapter = (*VendorAdapter)(nil)

func NewVendorAdapter(lib VendorLibrary, channel string, opts *Options) *VendorAdapter {
	v := &VendorAdapter{
		BaseAdapter: NewBaseAdapter(channel, opts),
		lib:         lib,
	}
	if opts != nil && opts.Baudrate != 0 {
		if err := v.SetBaudRate(opts.Baudrate); err != nil {
			v.log.Warn("ignoring initial baud rate", "baudrate", opts.Baudrate, "err", err)
		}
	}
	return v
}

func (v *VendorAdapter) SetParameter(key, value string) error {
	if key == "log_file" {
		v.logFile.setFileName(value)
		return nil
	}
	return fmt.Errorf("%w %q", ErrUnknownParameter, key)
}

func (v *VendorAdapter) SetBaudRate(rate uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.IsOpen() {
		return v.fail(ErrPortOpen)
	}
	if _, err := vendorBTR(rate); err != nil {
		return v.fail(err)
	}
	v.baudrate = rate
	return nil
}

func (v *VendorAdapter) NumberOfFilters() int { return 1 }

func (v *VendorAdapter) SetAcceptanceFilter(slot int, code, mask uint32, extended bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.IsOpen() {
		return v.fail(ErrPortOpen)
	}
	if slot != 0 {
		return v.fail(newError(InvalidFilter, "filter slot %d out of range", slot))
	}
	v.filter.enabled = true
	v.filter.code = code
	v.filter.mask = mask
	v.filter.extended = extended
	return nil
}

func (v *VendorAdapter) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.IsOpen() {
		return v.fail(ErrPortOpen)
	}
	if v.baudrate == 0 {
		return v.fail(newError(InvalidBaudrate, "baud rate not configured"))
	}
	btr, err := vendorBTR(v.baudrate)
	if err != nil {
		return v.fail(err)
	}

	ch, err := v.lib.OpenChannel(v.name)
	if err != nil {
		return v.fail(wrapError(ChannelNotFound, err, "unable to open channel %s", v.name))
	}
	if err := v.configure(ch, btr); err != nil {
		_ = ch.Close()
		return v.fail(err)
	}
	if err := v.logFile.open(); err != nil {
		v.log.Warn("log file unavailable", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	v.ch = ch
	v.cancel = cancel
	v.group = g
	v.ioFailed.Store(false)
	v.open.Store(true)
	g.Go(func() error {
		return v.receive(gctx, ch)
	})
	v.clearError()
	v.trace().Debug("opened", "baudrate", v.baudrate)
	return nil
}

// configure sets bit timing and acceptance. With a filter set, the other
// identifier width is narrowed to the lowest priority identifier.
func (v *VendorAdapter) configure(ch VendorChannel, btr uint16) error {
	if err := ch.SetBusParamsBTR(byte(btr>>8), byte(btr)); err != nil {
		return vendorError("set bus params", err)
	}
	if !v.filter.enabled {
		if err := ch.SetAcceptance(0, 0, false); err != nil {
			return vendorError("set acceptance", err)
		}
		if err := ch.SetAcceptance(0, 0, true); err != nil {
			return vendorError("set acceptance", err)
		}
		return nil
	}
	if err := ch.SetAcceptance(v.filter.code, v.filter.mask, v.filter.extended); err != nil {
		return vendorError("set acceptance", err)
	}
	closed := uint32(MaxStandardID)
	if !v.filter.extended {
		closed = MaxExtendedID
	}
	if err := ch.SetAcceptance(closed, closed, !v.filter.extended); err != nil {
		return vendorError("set acceptance", err)
	}
	return nil
}

func (v *VendorAdapter) receive(ctx context.Context, ch VendorChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		f, err := ch.Read(vendorReadTimeout)
		if err != nil {
			if errors.Is(err, ErrVendorNoMessage) {
				continue
			}
			return v.ioFail(vendorError("read", err))
		}
		if f.Flags&(VendorFrameError|VendorFrameRemote) != 0 {
			continue
		}
		msg := NewMessageWithData(f.ID, f.Data, f.Flags&VendorFrameExtended != 0)
		if f.Flags&VendorFrameTxAck != 0 {
			v.pushSent(msg)
			continue
		}
		v.pushReceived(msg)
	}
}

func (v *VendorAdapter) GoBusOn() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return v.fail(ErrPortNotOpen)
	}
	if err := v.ch.BusOn(); err != nil {
		return v.fail(vendorError("bus on", err))
	}
	v.busOn.Store(true)
	return nil
}

func (v *VendorAdapter) GoBusOff() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return v.fail(ErrPortNotOpen)
	}
	v.busOn.Store(false)
	if err := v.ch.BusOff(); err != nil {
		return v.fail(vendorError("bus off", err))
	}
	return nil
}

func (v *VendorAdapter) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return nil
	}
	v.open.Store(false)
	v.cancel()
	if err := v.group.Wait(); err != nil {
		v.trace().Debug("receive loop ended", "err", err)
	}
	if v.busOn.Swap(false) {
		if err := v.ch.BusOff(); err != nil {
			v.trace().Debug("bus off failed", "err", err)
		}
	}
	err := v.ch.Close()
	v.ch = nil
	v.clearBuffers()
	v.trace().Debug("closed")
	v.logFile.close()
	if err != nil {
		return v.fail(vendorError("close", err))
	}
	return nil
}

func (v *VendorAdapter) SendMessage(msg *Message) (uint16, error) {
	if !v.IsOpen() || !v.busOn.Load() {
		return 0, v.fail(ErrBusNotOn)
	}
	f := VendorFrame{ID: msg.ID(), Data: msg.Payload()}
	if msg.Extended() {
		f.Flags |= VendorFrameExtended
	}
	v.mu.Lock()
	ch := v.ch
	v.mu.Unlock()
	if ch == nil {
		return 0, v.fail(ErrBusNotOn)
	}
	if err := ch.Write(f); err != nil {
		return 0, v.fail(vendorError("write", err))
	}
	return 0, nil
}

func (v *VendorAdapter) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() {
		return StateClosed
	}
	if v.ioFailed.Load() {
		return StateUnknown
	}
	if !v.busOn.Load() {
		return StateBusOff
	}
	status, err := v.ch.BusStatus()
	if err != nil {
		v.fail(vendorError("read bus status", err))
		return StateUnknown
	}
	switch {
	case status&VendorBusOff != 0:
		return StateBusOff
	case status&VendorBusErrorPassive != 0:
		return StateErrorPassive
	case status&(VendorBusErrorActive|VendorBusErrorWarning) != 0:
		return StateErrorActive
	}
	return StateUnknown
}

func (v *VendorAdapter) ErrorCounters() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.IsOpen() || !v.busOn.Load() {
		return -1, -1
	}
	tx, rx, err := v.ch.ErrorCounters()
	if err != nil {
		return -1, -1
	}
	return tx, rx
}
