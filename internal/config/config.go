// Package config loads the device's static interface configuration from a
// YAML file (SPEC_FULL.md §4.9), the same metadata-file
// pattern the bundle package uses for ccbundle.yaml.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nos-project/netcore/internal/netproto"
)

// Interface describes one network device's addressing and the services it
// should bring up.
type Interface struct {
	// Mode is "dhcp" or "static". Static requires IP/Mask/Gateway/DNS.
	Mode string `yaml:"mode"`

	MAC     string `yaml:"mac,omitempty"`
	IP      string `yaml:"ip,omitempty"`
	Mask    string `yaml:"mask,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
	DNS     string `yaml:"dns,omitempty"`

	ShellPort uint16 `yaml:"shellPort,omitempty"`
	TapName   string `yaml:"tap,omitempty"`
}

// Config is the top-level document, matching the {{name}}.yaml shape of a
// single-interface device configuration.
type Config struct {
	Version   int       `yaml:"version"`
	Interface Interface `yaml:"interface"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Interface.Mode == "" {
		c.Interface.Mode = "dhcp"
	}
	if c.Interface.ShellPort == 0 {
		c.Interface.ShellPort = 5355
	}
	if c.Interface.TapName == "" {
		c.Interface.TapName = "netcore0"
	}
}

// Load reads and parses a config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// ParseMAC parses a colon-separated MAC address string, defaulting to a
// locally-administered address when s is empty.
func ParseMAC(s string) (netproto.MAC, error) {
	if s == "" {
		return netproto.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return netproto.MAC{}, fmt.Errorf("config: bad mac %q", s)
	}
	var out netproto.MAC
	copy(out[:], hw)
	return out, nil
}

// ParseIPv4 parses a dotted-quad address string.
func ParseIPv4(s string) (netproto.IPv4, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return netproto.IPv4{}, fmt.Errorf("config: bad ip %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return netproto.IPv4{}, fmt.Errorf("config: not ipv4 %q", s)
	}
	var out netproto.IPv4
	copy(out[:], v4)
	return out, nil
}
