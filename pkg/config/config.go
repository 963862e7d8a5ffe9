// Package config loads the device configuration from YAML. Defaults are
// applied before unmarshalling, so a minimal file only names what differs
// from them.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kestrelfw/rot/pkg/devmgr"
	"github.com/kestrelfw/rot/pkg/mctp"
)

// Config is the full device configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Devices   []DeviceEntry   `yaml:"devices"`
	Server    ServerConfig    `yaml:"server"`
}

// TransportConfig configures the MCTP layer of one channel.
type TransportConfig struct {
	ChannelID           int   `yaml:"channel_id"`
	LocalEID            uint8 `yaml:"local_eid"`
	LocalAddr           uint8 `yaml:"local_addr"`
	MinTransmissionUnit int   `yaml:"min_transmission_unit"`
	MaxMessageBody      int   `yaml:"max_message_body"`
	ResponseTimeoutMS   int   `yaml:"max_response_timeout_ms"`
	CryptoTimeoutMS     int   `yaml:"max_crypto_timeout_ms"`
}

// ProtocolConfig configures the vendor-defined command protocol.
type ProtocolConfig struct {
	PCIVendorID         uint16 `yaml:"pci_vendor_id"`
	ProtocolVersion     uint16 `yaml:"protocol_version"`
	EnableDebugCommands bool   `yaml:"enable_debug_commands"`
}

// DeviceEntry describes one peer in the static device table.
type DeviceEntry struct {
	EID        uint8  `yaml:"eid"`
	Addr       uint8  `yaml:"addr"`
	Direction  string `yaml:"direction"`
	MTU        int    `yaml:"mtu"`
	MaxMessage int    `yaml:"max_message"`
}

// ServerConfig configures the diagnostics HTTP server.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a configuration document.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Transport: TransportConfig{
			LocalEID:            0x0b,
			LocalAddr:           0x41,
			MinTransmissionUnit: mctp.MinTransmissionUnit,
			MaxMessageBody:      mctp.MaxMessageBody,
			ResponseTimeoutMS:   mctp.MaxResponseTimeoutMS,
			CryptoTimeoutMS:     mctp.MaxCryptoTimeoutMS,
		},
		Protocol: ProtocolConfig{
			PCIVendorID:     0x1414,
			ProtocolVersion: 0x0001,
		},
		Server: ServerConfig{
			Listen: ":9440",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Transport.LocalEID == uint8(mctp.NullEID) || c.Transport.LocalEID == uint8(mctp.BroadcastEID) {
		return fmt.Errorf("config: local_eid %#.2x is reserved", c.Transport.LocalEID)
	}
	if c.Transport.MinTransmissionUnit <= 0 || c.Transport.MinTransmissionUnit > mctp.MinTransmissionUnit {
		return fmt.Errorf("config: min_transmission_unit %v out of range",
			c.Transport.MinTransmissionUnit)
	}
	if c.Transport.MaxMessageBody < c.Transport.MinTransmissionUnit ||
		c.Transport.MaxMessageBody > mctp.MaxMessageBody {
		return fmt.Errorf("config: max_message_body %v out of range",
			c.Transport.MaxMessageBody)
	}
	if c.Transport.CryptoTimeoutMS < c.Transport.ResponseTimeoutMS {
		return fmt.Errorf("config: max_crypto_timeout_ms %v below max_response_timeout_ms %v",
			c.Transport.CryptoTimeoutMS, c.Transport.ResponseTimeoutMS)
	}
	for i, d := range c.Devices {
		if _, err := parseDirection(d.Direction); err != nil {
			return fmt.Errorf("config: device %v: %v", i, err)
		}
	}
	return nil
}

func parseDirection(s string) (devmgr.Direction, error) {
	switch s {
	case "upstream":
		return devmgr.DirectionUpstream, nil
	case "downstream":
		return devmgr.DirectionDownstream, nil
	case "self":
		return devmgr.DirectionSelf, nil
	case "", "unknown":
		return devmgr.DirectionUnknown, nil
	default:
		return devmgr.DirectionUnknown, fmt.Errorf("unknown direction %q", s)
	}
}

// DeviceTable converts the configured device entries into registry entries.
func (c *Config) DeviceTable() ([]devmgr.Device, error) {
	devices := make([]devmgr.Device, 0, len(c.Devices))
	for i, d := range c.Devices {
		dir, err := parseDirection(d.Direction)
		if err != nil {
			return nil, fmt.Errorf("config: device %v: %v", i, err)
		}
		devices = append(devices, devmgr.Device{
			EID:        mctp.EID(d.EID),
			Addr:       d.Addr,
			Direction:  dir,
			MTU:        d.MTU,
			MaxMessage: d.MaxMessage,
		})
	}
	return devices, nil
}
