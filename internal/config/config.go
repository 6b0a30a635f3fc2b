package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/arduino/go-paths-helper"
	"gopkg.in/yaml.v3"

	"github.com/bigbag/k32w-flasher/internal/flasher"
	"github.com/bigbag/k32w-flasher/internal/isp"
	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// HexBytes is a byte string written as hex in YAML.
type HexBytes []byte

func (h *HexBytes) UnmarshalYAML(value *yaml.Node) error {
	b, err := hex.DecodeString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid hex: %w", value.Line, err)
	}
	*h = b
	return nil
}

func (h HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(h), nil
}

// Config holds the connection and flashing settings.
type Config struct {
	Port          string        `yaml:"port"`
	Baud          int           `yaml:"baud"`
	ISPBaud       uint32        `yaml:"isp_baud"`
	ResetDelay    time.Duration `yaml:"reset_delay"`
	ResponseDelay time.Duration `yaml:"response_delay"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	FlashSize     uint32        `yaml:"flash_size"`
	UnlockKey     HexBytes      `yaml:"unlock_key"`
	CRC           bool          `yaml:"crc"`
}

// Default returns the settings for a K32W061 on a 115200 baud link.
func Default() *Config {
	return &Config{
		Baud:          protocol.DefaultBaudRate,
		ResetDelay:    protocol.DefaultResetDelay,
		ResponseDelay: protocol.DefaultResponseDelay,
		ReadTimeout:   protocol.DefaultReadTimeout,
		PollInterval:  protocol.DefaultPollInterval,
		FlashSize:     protocol.FlashSize,
		UnlockKey:     append(HexBytes(nil), protocol.DefaultUnlockKey...),
		CRC:           true,
	}
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default value.
func Load(path *paths.Path) (*Config, error) {
	data, err := path.ReadFile()
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path *paths.Path) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := path.WriteFile(data); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Validate checks that every setting is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud must be positive, got %d", c.Baud))
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"reset_delay", c.ResetDelay},
		{"response_delay", c.ResponseDelay},
		{"read_timeout", c.ReadTimeout},
		{"poll_interval", c.PollInterval},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}
	if c.ISPBaud > protocol.MaxISPBaudRate {
		errs = append(errs, fmt.Errorf("isp_baud must be at most %d, got %d", protocol.MaxISPBaudRate, c.ISPBaud))
	}
	if c.FlashSize == 0 || c.FlashSize%protocol.FlashSectorSize != 0 {
		errs = append(errs, fmt.Errorf("flash_size must be a non-zero multiple of %d, got 0x%X", protocol.FlashSectorSize, c.FlashSize))
	}
	if len(c.UnlockKey) != len(protocol.DefaultUnlockKey) {
		errs = append(errs, fmt.Errorf("unlock_key must be %d bytes, got %d", len(protocol.DefaultUnlockKey), len(c.UnlockKey)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SessionOptions returns the ISP session settings.
func (c *Config) SessionOptions() []isp.Option {
	return []isp.Option{
		isp.WithResetDelay(c.ResetDelay),
		isp.WithResponseDelay(c.ResponseDelay),
		isp.WithReadTimeout(c.ReadTimeout),
		isp.WithPollInterval(c.PollInterval),
	}
}

// FlasherOptions returns the flashing procedure settings.
func (c *Config) FlasherOptions() []flasher.Option {
	return []flasher.Option{
		flasher.WithFlashSize(c.FlashSize),
		flasher.WithUnlockKey(c.UnlockKey),
		flasher.WithISPBaud(c.ISPBaud),
	}
}
