package canport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Driver creates adapters of one type and enumerates their channels.
type Driver interface {
	New(channel string, opts *Options) (Adapter, error)
	// FirstChannelName restarts channel enumeration. Enumeration keeps a
	// cursor per driver and is not reentrant.
	FirstChannelName() (string, bool)
	NextChannelName() (string, bool)
}

type AdapterInfo struct {
	Type               AdapterType
	Description        string
	RequiresSerialPort bool
	// Load resolves the driver. It runs at most once per registry entry,
	// its result (including a failure) is cached.
	Load func() (Driver, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v", a.Type, a.Description, a.RequiresSerialPort)
}

type registryEntry struct {
	info   AdapterInfo
	once   sync.Once
	driver Driver
	err    error
}

func (e *registryEntry) load() (Driver, error) {
	e.once.Do(func() {
		if e.info.Load == nil {
			e.err = fmt.Errorf("adapter %s has no loader", e.info.Type)
			return
		}
		e.driver, e.err = e.info.Load()
	})
	return e.driver, e.err
}

// Registry maps adapter types to lazily loaded drivers.
type Registry struct {
	mu      sync.Mutex
	entries map[AdapterType]*registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[AdapterType]*registryEntry)}
}

func (r *Registry) Register(info *AdapterInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.entries[info.Type]; found {
		return fmt.Errorf("adapter %s already registered", info.Type)
	}
	r.entries[info.Type] = &registryEntry{info: *info}
	return nil
}

func (r *Registry) entry(t AdapterType) (*registryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.entries[t]
	if !found {
		return nil, fmt.Errorf("%w %s", ErrUnknownAdapter, t)
	}
	return e, nil
}

// Driver returns the loaded driver for t, loading it on first use.
func (r *Registry) Driver(t AdapterType) (Driver, error) {
	e, err := r.entry(t)
	if err != nil {
		return nil, err
	}
	d, err := e.load()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s driver: %w", t, err)
	}
	return d, nil
}

// NewAdapter creates an adapter for channel. On failure the returned adapter
// is a NullAdapter, never nil.
func (r *Registry) NewAdapter(t AdapterType, channel string, opts *Options) (Adapter, error) {
	d, err := r.Driver(t)
	if err != nil {
		return NewNullAdapter(channel), err
	}
	a, err := d.New(channel, opts)
	if err != nil {
		return NewNullAdapter(channel), err
	}
	return a, nil
}

func (r *Registry) FirstChannelName(t AdapterType) (string, bool) {
	d, err := r.Driver(t)
	if err != nil {
		return "", false
	}
	return d.FirstChannelName()
}

func (r *Registry) NextChannelName(t AdapterType) (string, bool) {
	d, err := r.Driver(t)
	if err != nil {
		return "", false
	}
	return d.NextChannelName()
}

// Adapters lists the registered adapter types sorted by name.
func (r *Registry) Adapters() []AdapterInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AdapterInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Type.String()) < strings.ToLower(out[j].Type.String())
	})
	return out
}

// Types lists the registered adapter types in ascending order.
func (r *Registry) Types() []AdapterType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AdapterType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var defaultRegistry = NewRegistry()

// DefaultRegistry holds the adapters registered by this package's init
// functions and by RegisterAdapter.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func RegisterAdapter(info *AdapterInfo) error {
	return defaultRegistry.Register(info)
}

func NewAdapter(t AdapterType, channel string, opts *Options) (Adapter, error) {
	return defaultRegistry.NewAdapter(t, channel, opts)
}

func FirstChannelName(t AdapterType) (string, bool) {
	return defaultRegistry.FirstChannelName(t)
}

func NextChannelName(t AdapterType) (string, bool) {
	return defaultRegistry.NextChannelName(t)
}

func ListAdapters() []AdapterInfo {
	return defaultRegistry.Adapters()
}

func ListAdapterNames() []string {
	var out []string
	for _, a := range defaultRegistry.Adapters() {
		out = append(out, a.Type.String())
	}
	return out
}

// channelCursor implements the first/next enumeration protocol over a list
// that is refreshed on every First call.
type channelCursor struct {
	mu    sync.Mutex
	list  func() ([]string, error)
	names []string
	index int
}

func (c *channelCursor) First() (string, bool) {
	c.mu.Lock()
	names, err := c.list()
	if err != nil {
		names = nil
	}
	c.names = names
	c.index = 0
	c.mu.Unlock()
	return c.Next()
}

func (c *channelCursor) Next() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= len(c.names) {
		return "", false
	}
	name := c.names[c.index]
	c.index++
	return name, true
}
