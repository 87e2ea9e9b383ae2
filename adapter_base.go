package canport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roffe/canport/pkg/buffer"
)

// MessageBuffer is the bounded landing queue between adapter I/O and callers.
type MessageBuffer = buffer.Buffer[*Message]

func NewMessageBuffer(capacity int) *MessageBuffer {
	return buffer.New[*Message](capacity)
}

// BaseAdapter holds what every adapter implementation shares: the channel
// name, the logger, the receive and acknowledgment queues and the last error.
type BaseAdapter struct {
	name    string
	log     *slog.Logger
	logFile logFile

	open  atomic.Bool
	busOn atomic.Bool
	// ioFailed is set when an I/O loop gave up on the device while open
	ioFailed atomic.Bool

	rxBuf    *MessageBuffer
	txAckBuf *MessageBuffer

	errMu        sync.Mutex
	errCode      ErrorCode
	errSecondary int32
	errText      string
}

func NewBaseAdapter(name string, opts *Options) *BaseAdapter {
	return &BaseAdapter{
		name:     name,
		log:      opts.logger().With("adapter", name),
		rxBuf:    NewMessageBuffer(buffer.DefaultCapacity),
		txAckBuf: NewMessageBuffer(buffer.DefaultCapacity),
	}
}

// Name returns the channel name.
func (base *BaseAdapter) Name() string {
	return base.name
}

func (base *BaseAdapter) IsOpen() bool {
	return base.open.Load()
}

func (base *BaseAdapter) NumReceivedMessagesAvailable() int {
	if !base.open.Load() {
		return 0
	}
	return base.rxBuf.Available()
}

func (base *BaseAdapter) ReceivedMessage(timeout time.Duration) (*Message, bool) {
	if !base.open.Load() {
		return nil, false
	}
	return base.rxBuf.Pop(timeout)
}

func (base *BaseAdapter) NumSentMessagesAvailable() int {
	if !base.open.Load() {
		return 0
	}
	return base.txAckBuf.Available()
}

func (base *BaseAdapter) SentMessage(timeout time.Duration) (*Message, bool) {
	if !base.open.Load() {
		return nil, false
	}
	return base.txAckBuf.Pop(timeout)
}

func (base *BaseAdapter) ErrorCode() ErrorCode {
	base.errMu.Lock()
	defer base.errMu.Unlock()
	return base.errCode
}

// ErrorDescription describes code. For the most recent code the text of the
// error that set it is returned along with its secondary code.
func (base *BaseAdapter) ErrorDescription(code ErrorCode) (string, int32) {
	if code == NoError {
		return "", 0
	}
	base.errMu.Lock()
	defer base.errMu.Unlock()
	if code == base.errCode && base.errText != "" {
		return base.errText, base.errSecondary
	}
	return code.String(), 0
}

func (base *BaseAdapter) ErrorCounters() (int, int) {
	return -1, -1
}

// fail records err as the adapter's last error and returns it.
func (base *BaseAdapter) fail(err error) error {
	if err == nil {
		return nil
	}
	code := CodeOf(err)
	var secondary int32
	var e *Error
	if errors.As(err, &e) {
		secondary = e.Secondary
	}
	base.errMu.Lock()
	base.errCode = code
	base.errSecondary = secondary
	base.errText = err.Error()
	base.errMu.Unlock()
	base.trace().Debug("error", "code", code.String(), "err", err)
	return err
}

// ioFail records err from an I/O loop that is about to exit.
func (base *BaseAdapter) ioFail(err error) error {
	base.ioFailed.Store(true)
	base.log.Warn("i/o loop stopped", "err", err)
	return base.fail(err)
}

func (base *BaseAdapter) clearError() {
	base.errMu.Lock()
	defer base.errMu.Unlock()
	base.errCode = NoError
	base.errSecondary = 0
	base.errText = ""
}

// trace returns the log_file logger when one is open, the injected logger
// otherwise.
func (base *BaseAdapter) trace() *slog.Logger {
	if l := base.logFile.get(); l != nil {
		return l
	}
	return base.log
}

func (base *BaseAdapter) clearBuffers() {
	base.rxBuf.Clear()
	base.txAckBuf.Clear()
}

// pushReceived queues an inbound frame, dropping it when the queue is full.
func (base *BaseAdapter) pushReceived(msg *Message) {
	if !base.rxBuf.Push(msg, 0) {
		base.trace().Warn("receive buffer full, dropped frame", "frame", msg.String())
	}
}

func (base *BaseAdapter) pushSent(msg *Message) {
	if !base.txAckBuf.Push(msg, 0) {
		base.trace().Warn("acknowledge buffer full, dropped frame", "frame", msg.String())
	}
}
