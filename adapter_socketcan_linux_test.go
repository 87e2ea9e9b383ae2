//go:build linux

package canport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

type fakeRxItem struct {
	frame    can.Frame
	errFrame bool
}

// fakeFrameReceiver hands out frames pushed on items. items is unbuffered,
// so a completed send means the previous frame was fully handled.
type fakeFrameReceiver struct {
	items chan fakeRxItem
	cur   fakeRxItem

	mu       sync.Mutex
	err      error
	finished bool

	stop     chan struct{}
	stopOnce sync.Once
}

func newFakeFrameReceiver() *fakeFrameReceiver {
	return &fakeFrameReceiver{items: make(chan fakeRxItem), stop: make(chan struct{})}
}

func (r *fakeFrameReceiver) Receive() bool {
	select {
	case it := <-r.items:
		r.cur = it
		return true
	case <-r.stop:
		r.mu.Lock()
		r.finished = true
		r.mu.Unlock()
		return false
	}
}

func (r *fakeFrameReceiver) HasErrorFrame() bool { return r.cur.errFrame }
func (r *fakeFrameReceiver) Frame() can.Frame    { return r.cur.frame }

func (r *fakeFrameReceiver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *fakeFrameReceiver) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

// fail ends the receive loop the way a dropped interface does.
func (r *fakeFrameReceiver) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	_ = r.Close()
}

func (r *fakeFrameReceiver) push(t *testing.T, f can.Frame) {
	t.Helper()
	select {
	case r.items <- fakeRxItem{frame: f}:
	case <-time.After(time.Second):
		t.Fatal("receive loop not reading")
	}
}

func (r *fakeFrameReceiver) pushErrorFrame(t *testing.T) {
	t.Helper()
	select {
	case r.items <- fakeRxItem{errFrame: true}:
	case <-time.After(time.Second):
		t.Fatal("receive loop not reading")
	}
}

func (r *fakeFrameReceiver) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

type fakeFrameTransmitter struct {
	mu     sync.Mutex
	frames []can.Frame
	err    error
	// hold, when set, blocks every transmission until closed
	hold chan struct{}
}

func (tx *fakeFrameTransmitter) TransmitFrame(ctx context.Context, f can.Frame) error {
	tx.mu.Lock()
	hold := tx.hold
	tx.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.err != nil {
		return tx.err
	}
	tx.frames = append(tx.frames, f)
	return nil
}

func (tx *fakeFrameTransmitter) sent() []can.Frame {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]can.Frame(nil), tx.frames...)
}

func startTestSocketCAN(t *testing.T, a *SocketCAN) (*fakeFrameReceiver, *fakeFrameTransmitter) {
	t.Helper()
	rx := newFakeFrameReceiver()
	tx := &fakeFrameTransmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.start(ctx, cancel, rx, tx)
	a.mu.Unlock()
	t.Cleanup(func() { _ = a.Close() })
	return rx, tx
}

func dataFrame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestSocketCANReceiveDropsErrorAndRemoteFrames(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	rx, _ := startTestSocketCAN(t, a)

	// nothing is delivered while the bus is off
	rx.push(t, dataFrame(0x100, 0x01))
	rx.pushErrorFrame(t)
	require.NoError(t, a.GoBusOn())

	rx.pushErrorFrame(t)
	remote := dataFrame(0x7DF)
	remote.IsRemote = true
	rx.push(t, remote)
	ext := dataFrame(0x18DAF110, 0x02, 0x10, 0x03)
	ext.IsExtended = true
	rx.push(t, ext)

	msg, ok := a.ReceivedMessage(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(0x18DAF110), msg.ID())
	assert.True(t, msg.Extended())
	assert.Equal(t, []byte{0x02, 0x10, 0x03}, msg.Payload())
	assert.Equal(t, 0, a.NumReceivedMessagesAvailable())
}

func TestSocketCANSoftwareFilter(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	assert.Equal(t, 1, a.NumberOfFilters())
	assert.ErrorIs(t, a.SetAcceptanceFilter(1, 0, 0, false), ErrInvalidFilter)
	require.NoError(t, a.SetAcceptanceFilter(0, 0x7E8, 0x7F8, false))
	rx, _ := startTestSocketCAN(t, a)
	require.NoError(t, a.GoBusOn())
	assert.ErrorIs(t, a.SetAcceptanceFilter(0, 0, 0, false), ErrPortOpen)

	rx.push(t, dataFrame(0x7E0, 0xAA))
	ext := dataFrame(0x7E8, 0xBB)
	ext.IsExtended = true
	rx.push(t, ext)
	rx.push(t, dataFrame(0x7EF, 0xCC))
	rx.push(t, dataFrame(0x7E9, 0xDD))

	msg, ok := a.ReceivedMessage(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(0x7EF), msg.ID())
	msg, ok = a.ReceivedMessage(time.Second)
	require.True(t, ok)
	assert.Equal(t, uint32(0x7E9), msg.ID())
	assert.Equal(t, 0, a.NumReceivedMessagesAvailable())
}

func TestSocketCANAcknowledgesAfterTransmit(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	_, tx := startTestSocketCAN(t, a)
	require.NoError(t, a.GoBusOn())

	tx.mu.Lock()
	tx.err = errors.New("no buffer space available")
	tx.mu.Unlock()
	_, err := a.SendMessage(NewMessageWithData(0x7E0, []byte{0x02, 0x01, 0x0C}, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.ErrorCode() == TransportError
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, a.NumSentMessagesAvailable())
	assert.Equal(t, StateErrorActive, a.State())

	tx.mu.Lock()
	tx.err = nil
	tx.mu.Unlock()
	msg := NewMessageWithData(0x18DB33F1, []byte{0x02, 0x3E, 0x00}, true)
	_, err = a.SendMessage(msg)
	require.NoError(t, err)
	ack, ok := a.SentMessage(time.Second)
	require.True(t, ok)
	assert.True(t, msg.Equal(ack))

	sent := tx.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, uint32(0x18DB33F1), sent[0].ID)
	assert.True(t, sent[0].IsExtended)
	assert.Equal(t, uint8(3), sent[0].Length)
	assert.Equal(t, []byte{0x02, 0x3E, 0x00}, sent[0].Data[:3])
}

func TestSocketCANSendMessageErrors(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	msg := NewMessage(0x100, 1, false)

	_, err := a.SendMessage(msg)
	assert.ErrorIs(t, err, ErrBusNotOn)
	assert.ErrorIs(t, a.GoBusOn(), ErrPortNotOpen)

	_, tx := startTestSocketCAN(t, a)
	_, err = a.SendMessage(msg)
	assert.ErrorIs(t, err, ErrBusNotOn)
	assert.Equal(t, StateBusOff, a.State())

	tx.mu.Lock()
	tx.hold = make(chan struct{})
	tx.mu.Unlock()
	require.NoError(t, a.GoBusOn())
	sent := 0
	for ; sent <= socketCANTxQueueSize+1; sent++ {
		if _, err = a.SendMessage(msg); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, QueueFull, a.ErrorCode())
	assert.GreaterOrEqual(t, sent, socketCANTxQueueSize)

	// a transmission stuck in the kernel does not hold up Close
	closed := make(chan error, 1)
	go func() { closed <- a.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a pending transmission")
	}
}

func TestSocketCANClose(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	rx, _ := startTestSocketCAN(t, a)
	require.NoError(t, a.GoBusOn())

	rx.push(t, dataFrame(0x7E8, 0x01))
	_, err := a.SendMessage(NewMessage(0x7E0, 1, false))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.NumReceivedMessagesAvailable() == 1 && a.NumSentMessagesAvailable() == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.True(t, rx.isFinished())
	assert.False(t, a.IsOpen())
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, 0, a.rxBuf.Available())
	assert.Equal(t, 0, a.txAckBuf.Available())
	assert.Nil(t, a.txq)

	_, err = a.SendMessage(NewMessage(0x7E0, 1, false))
	assert.ErrorIs(t, err, ErrBusNotOn)
	require.NoError(t, a.Close())
}

func TestSocketCANReceiveFailure(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	rx, _ := startTestSocketCAN(t, a)
	require.NoError(t, a.GoBusOn())
	assert.Equal(t, StateErrorActive, a.State())

	rx.fail(errors.New("network is down"))
	require.Eventually(t, func() bool {
		return a.State() == StateUnknown
	}, time.Second, 10*time.Millisecond)
	assert.True(t, a.IsOpen())
	assert.Equal(t, TransportError, a.ErrorCode())
	text, _ := a.ErrorDescription(TransportError)
	assert.Contains(t, text, "network is down")

	require.NoError(t, a.Close())
	assert.Equal(t, StateClosed, a.State())

	startTestSocketCAN(t, a)
	assert.Equal(t, StateBusOff, a.State())
	assert.Equal(t, NoError, a.ErrorCode())
}

func TestSocketCANRawBaudrateRejected(t *testing.T) {
	a := NewSocketCAN("can0", nil)
	assert.ErrorIs(t, a.SetBaudRate(RawBaudrateFlag|0x1C00), ErrInvalidBaudrate)
	require.NoError(t, a.SetBaudRate(500000))
	assert.Equal(t, uint32(500000), a.baudrate)
}

// TestSocketCANVirtualInterface needs a vcan0 interface:
//
//	ip link add dev vcan0 type vcan && ip link set up vcan0
func TestSocketCANVirtualInterface(t *testing.T) {
	if _, err := net.InterfaceByName("vcan0"); err != nil {
		t.Skip("vcan0 not present")
	}
	devs, err := FindSocketCANDevices()
	require.NoError(t, err)
	assert.Contains(t, devs, "vcan0")

	sender := NewSocketCAN("vcan0", nil)
	listener := NewSocketCAN("vcan0", nil)
	require.NoError(t, sender.Open())
	defer sender.Close()
	require.NoError(t, listener.Open())
	defer listener.Close()
	require.NoError(t, sender.GoBusOn())
	require.NoError(t, listener.GoBusOn())

	msg := NewMessageWithData(0x7DF, []byte{0x02, 0x01, 0x00}, false)
	_, err = sender.SendMessage(msg)
	require.NoError(t, err)

	ack, ok := sender.SentMessage(time.Second)
	require.True(t, ok)
	assert.True(t, msg.Equal(ack))
	got, ok := listener.ReceivedMessage(time.Second)
	require.True(t, ok)
	assert.True(t, msg.Equal(got))

	require.NoError(t, listener.Close())
	assert.Equal(t, StateClosed, listener.State())
}
