package canport

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Config describes one adapter in a TOML file:
//
//	adapter  = "slcan"
//	channel  = "/dev/ttyACM0"
//	baudrate = 500000
//
//	[parameters]
//	rx_timeout_ms = "1000"
//
//	[[filter]]
//	code = 0x7E8
//	mask = 0x7FF
type Config struct {
	Adapter    string            `toml:"adapter"`
	Channel    string            `toml:"channel"`
	Baudrate   uint32            `toml:"baudrate"`
	Parameters map[string]string `toml:"parameters"`
	Filters    []FilterConfig    `toml:"filter"`
}

type FilterConfig struct {
	Code     uint32 `toml:"code"`
	Mask     uint32 `toml:"mask"`
	Extended bool   `toml:"extended"`
}

func LoadConfig(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return &cfg, checkUndecoded(md)
}

func ParseConfig(text string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, checkUndecoded(md)
}

func checkUndecoded(md toml.MetaData) error {
	if keys := md.Undecoded(); len(keys) > 0 {
		return fmt.Errorf("unknown config key %q", keys[0].String())
	}
	return nil
}

func (c *Config) Type() (AdapterType, error) {
	return ParseAdapterType(c.Adapter)
}

// Apply configures a closed adapter: parameters in key order, then the bit
// rate, then filters in slot order.
func (c *Config) Apply(a Adapter) error {
	keys := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := a.SetParameter(k, c.Parameters[k]); err != nil {
			return err
		}
	}
	if c.Baudrate != 0 {
		if err := a.SetBaudRate(c.Baudrate); err != nil {
			return err
		}
	}
	if len(c.Filters) > a.NumberOfFilters() {
		return newError(InvalidFilter, "%d filters configured, %s supports %d", len(c.Filters), a.Name(), a.NumberOfFilters())
	}
	for slot, f := range c.Filters {
		if err := a.SetAcceptanceFilter(slot, f.Code, f.Mask, f.Extended); err != nil {
			return err
		}
	}
	return nil
}

// NewAdapter creates and configures the adapter from r. opts may be nil.
func (c *Config) NewAdapter(r *Registry, opts *Options) (Adapter, error) {
	t, err := c.Type()
	if err != nil {
		return NewNullAdapter(c.Channel), err
	}
	a, err := r.NewAdapter(t, c.Channel, opts)
	if err != nil {
		return a, err
	}
	if err := c.Apply(a); err != nil {
		return a, err
	}
	return a, nil
}
