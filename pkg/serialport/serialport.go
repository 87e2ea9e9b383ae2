// Package serialport wraps go.bug.st/serial as an asynchronous byte stream:
// received chunks are handed to a callback from a reader goroutine.
package serialport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// readTimeout bounds each blocking read so the reader notices Close.
const readTimeout = 10 * time.Millisecond

// ReceiveFunc gets every chunk read from the port. The slice is only valid
// for the duration of the call.
type ReceiveFunc func(data []byte)

type Port struct {
	name string
	port serial.Port

	mu        sync.Mutex
	onReceive ReceiveFunc

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	readErr   error
}

// Open opens the named serial port 8N1 at baudrate and starts delivering
// received bytes to onReceive.
func Open(name string, baudrate int, onReceive ReceiveFunc) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open com port %q: %w", name, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to set read timeout on %q: %w", name, err)
	}
	_ = p.ResetInputBuffer()
	_ = p.ResetOutputBuffer()

	sp := &Port{
		name:      name,
		port:      p,
		onReceive: onReceive,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go sp.readLoop()
	return sp, nil
}

func (p *Port) Name() string {
	return p.name
}

// SetCallback replaces the receive callback, nil stops delivery.
func (p *Port) SetCallback(fn ReceiveFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onReceive = fn
}

func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	return p.port.Write(b)
}

// Close stops the reader goroutine and releases the port. It waits for the
// reader to exit.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		p.SetCallback(nil)
		err = p.port.Close()
		<-p.done
	})
	return err
}

// Err returns the error that stopped the reader, if any.
func (p *Port) Err() error {
	select {
	case <-p.done:
		return p.readErr
	default:
		return nil
	}
}

func (p *Port) readLoop() {
	defer close(p.done)
	buf := make([]byte, 256)
	for {
		n, err := p.port.Read(buf)
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.readErr = fmt.Errorf("failed to read com port: %w", err)
			}
			return
		}
		select {
		case <-p.closed:
			return
		default:
		}
		if n == 0 {
			continue
		}
		p.mu.Lock()
		fn := p.onReceive
		p.mu.Unlock()
		if fn != nil {
			fn(buf[:n])
		}
	}
}

var (
	// ErrNoPorts is returned by Ports when the enumerator finds nothing.
	ErrNoPorts = errors.New("no serial ports found")
	ErrClosed  = errors.New("serial port closed")
)
