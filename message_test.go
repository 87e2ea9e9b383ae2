package canport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewMessageForcesExtended(t *testing.T) {
	m := NewMessage(0x800, 2, false)
	assert.True(t, m.Extended())

	m = NewMessage(0x7FF, 2, false)
	assert.False(t, m.Extended())
}

func TestNewMessageClampsLengthAndPads(t *testing.T) {
	m := NewMessage(0x100, 12, false)
	assert.Equal(t, MaxDataLength, m.Len())

	m = NewMessage(0x100, -1, false)
	assert.Equal(t, 0, m.Len())

	m = NewMessageWithData(0x100, []byte{0x01}, false)
	assert.Equal(t, byte(0x01), m.Data(0))
	assert.Equal(t, byte(DefaultPadding), m.Data(1))
	assert.Equal(t, byte(DefaultPadding), m.Data(7))
}

func TestMessageSetData(t *testing.T) {
	m := NewMessage(0x100, 2, false)
	m.SetData(0, 0x11)
	m.SetData(1, 0x22)
	m.SetData(8, 0x33)
	assert.Equal(t, []byte{0x11, 0x22}, m.Payload())
}

func TestMessageDataOutOfRange(t *testing.T) {
	m := NewMessageWithData(0x100, []byte{0x11, 0x22}, false)
	assert.Equal(t, byte(0x11), m.Data(0))
	assert.Equal(t, byte(DefaultPadding), m.Data(7))
	assert.NotPanics(t, func() {
		assert.Equal(t, byte(DefaultPadding), m.Data(-1))
		assert.Equal(t, byte(DefaultPadding), m.Data(8))
	})
}

func TestMessageCloneIsIndependent(t *testing.T) {
	m := NewMessageWithData(0x18DAF110, []byte{1, 2, 3}, true)
	c := m.Clone()
	assert.True(t, m.Equal(c))
	assert.NotSame(t, m, c)
	assert.GreaterOrEqual(t, c.Timestamp(), m.Timestamp())

	c.SetData(0, 0xFF)
	assert.Equal(t, byte(1), m.Data(0))
	assert.False(t, m.Equal(c))
}

func TestMessageEqual(t *testing.T) {
	a := NewMessageWithData(0x123, []byte{1, 2}, false)
	assert.True(t, a.Equal(NewMessageWithData(0x123, []byte{1, 2}, false)))
	assert.False(t, a.Equal(NewMessageWithData(0x123, []byte{1, 2}, true)))
	assert.False(t, a.Equal(NewMessageWithData(0x124, []byte{1, 2}, false)))
	assert.False(t, a.Equal(NewMessageWithData(0x123, []byte{1}, false)))
	assert.False(t, a.Equal(nil))
	var n *Message
	assert.True(t, n.Equal(nil))
}

func TestMessageString(t *testing.T) {
	m := NewMessageWithData(0x7E8, []byte{0x41, 0x0D}, false)
	assert.Equal(t, "0x7E8 || 2 || 41 0D                   || A·", m.String())

	m = NewMessageWithData(0x18DAF110, nil, true)
	assert.Contains(t, m.String(), "0x18DAF110 || 0 || ")
}
