package canport

import "sync"

// softFilter is a single acceptance filter applied in software, for adapters
// whose hardware path cannot filter.
type softFilter struct {
	mu       sync.RWMutex
	enabled  bool
	code     uint32
	mask     uint32
	extended bool
}

func (f *softFilter) set(slot int, code, mask uint32, extended bool) error {
	if slot != 0 {
		return newError(InvalidFilter, "filter slot %d out of range", slot)
	}
	limit := uint32(MaxStandardID)
	if extended {
		limit = MaxExtendedID
	}
	if code > limit {
		return newError(InvalidFilter, "filter code %X out of range", code)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.code = code
	f.mask = mask & limit
	f.extended = extended
	return nil
}

func (f *softFilter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
}

// accept reports whether msg passes. A frame of the other identifier width
// never passes an enabled filter.
func (f *softFilter) accept(msg *Message) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.enabled {
		return true
	}
	if msg.Extended() != f.extended {
		return false
	}
	return msg.ID()&f.mask == f.code&f.mask
}
