package canport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesCode(t *testing.T) {
	err := newError(CommandTimeout, "no response to %q", "V")
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.NotErrorIs(t, err, ErrDeviceError)

	wrapped := fmt.Errorf("open: %w", err)
	assert.ErrorIs(t, wrapped, ErrCommandTimeout)
	assert.Equal(t, CommandTimeout, CodeOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("port busy")
	err := wrapError(TransportError, cause, "unable to open serial port %s", "COM3")
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "unable to open serial port COM3: port busy", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, NoError, CodeOf(nil))
	assert.Equal(t, TransportError, CodeOf(errors.New("boom")))
	assert.Equal(t, InvalidFilter, CodeOf(ErrInvalidFilter))
	assert.Equal(t, "invalid filter", ErrInvalidFilter.Error())
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "no response", CommandTimeout.String())
	assert.Equal(t, "unknown error (99)", ErrorCode(99).String())
}

func TestErrorDescriptionCarriesSecondary(t *testing.T) {
	base := NewBaseAdapter("test", nil)
	err := base.fail(&Error{Code: VendorError, Description: "write failed", Secondary: -12})
	assert.Error(t, err)
	assert.Equal(t, VendorError, base.ErrorCode())

	text, secondary := base.ErrorDescription(VendorError)
	assert.Equal(t, "write failed", text)
	assert.Equal(t, int32(-12), secondary)

	text, secondary = base.ErrorDescription(InvalidFilter)
	assert.Equal(t, "invalid filter", text)
	assert.Equal(t, int32(0), secondary)

	base.clearError()
	assert.Equal(t, NoError, base.ErrorCode())
}
