package canport

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
)

const (
	// MaxDataLength is the payload size of a classic CAN frame.
	MaxDataLength = 8
	// DefaultPadding fills payload bytes beyond the frame length.
	DefaultPadding = 0xFF

	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

// epoch is captured once, message timestamps count milliseconds from here.
var epoch = time.Now()

// Message is one CAN frame. Identifier, length and id width are fixed at
// creation, payload bytes may be filled in afterwards. Messages are passed
// around as *Message and shared between queues; use Clone when a frame has
// to live on independently.
type Message struct {
	id        uint32
	length    int
	extended  bool
	data      [MaxDataLength]byte
	timestamp uint32
}

// NewMessage creates a frame stamped with the current time. Identifiers above
// the 11 bit range force the extended flag, lengths are clamped to 0..8.
func NewMessage(id uint32, length int, extended bool) *Message {
	if id > MaxStandardID {
		extended = true
	}
	length = max(0, min(length, MaxDataLength))
	m := &Message{
		id:        id,
		length:    length,
		extended:  extended,
		timestamp: uint32(time.Since(epoch).Milliseconds()),
	}
	for i := range m.data {
		m.data[i] = DefaultPadding
	}
	return m
}

// NewMessageWithData creates a frame and copies data into its payload.
func NewMessageWithData(id uint32, data []byte, extended bool) *Message {
	m := NewMessage(id, len(data), extended)
	copy(m.data[:m.length], data)
	return m
}

// Clone returns a deep copy carrying a fresh timestamp.
func (m *Message) Clone() *Message {
	c := NewMessage(m.id, m.length, m.extended)
	copy(c.data[:m.length], m.data[:m.length])
	return c
}

func (m *Message) ID() uint32 {
	return m.id
}

func (m *Message) Len() int {
	return m.length
}

func (m *Message) Extended() bool {
	return m.extended
}

// Timestamp is milliseconds since process start at the time of creation.
func (m *Message) Timestamp() uint32 {
	return m.timestamp
}

// Data returns payload byte i, padding included. Indexes outside the frame
// buffer read as DefaultPadding.
func (m *Message) Data(i int) byte {
	if i < 0 || i >= MaxDataLength {
		return DefaultPadding
	}
	return m.data[i]
}

// SetData writes payload byte i, indexes outside the frame buffer are ignored.
func (m *Message) SetData(i int, b byte) {
	if i < 0 || i >= MaxDataLength {
		return
	}
	m.data[i] = b
}

// Payload returns a copy of the meaningful payload bytes.
func (m *Message) Payload() []byte {
	out := make([]byte, m.length)
	copy(out, m.data[:m.length])
	return out
}

// Equal reports whether both frames carry the same id, width and payload.
// Timestamps are ignored.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.id != o.id || m.length != o.length || m.extended != o.extended {
		return false
	}
	return bytes.Equal(m.data[:m.length], o.data[:o.length])
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (m *Message) idString() string {
	if m.extended {
		return fmt.Sprintf("0x%08X", m.id)
	}
	return fmt.Sprintf("0x%03X", m.id)
}

func (m *Message) hexView() string {
	var hexView strings.Builder
	for i, b := range m.data[:m.length] {
		hexView.WriteString(fmt.Sprintf("%02X", b))
		if i != m.length-1 {
			hexView.WriteString(" ")
		}
	}
	return hexView.String()
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}
	var out strings.Builder
	out.WriteString(m.idString() + " || ")
	out.WriteString(strconv.Itoa(m.length) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", m.hexView()))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(m.data[:m.length]))
	return out.String()
}

// ColorString is String with ANSI colours for terminal output.
func (m *Message) ColorString() string {
	var out strings.Builder
	out.WriteString(green("%s", m.idString()) + " || ")
	out.WriteString(strconv.Itoa(m.length) + " || ")
	out.WriteString(red("%-23s", m.hexView()))
	out.WriteString(" || ")
	out.WriteString(yellow("%s", onlyPrintable(m.data[:m.length])))
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 126 {
			out.WriteString("·")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
