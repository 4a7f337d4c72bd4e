// Package config holds the router configuration model and its loaders.
// The router core only ever sees a materialised Configuration value;
// INI and JSON parsing stay in this package.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"mavrouter/internal/stats"
)

// DefaultBaudrate is used when a UART endpoint lists no baudrates.
const DefaultBaudrate = 115200

// DefaultTCPServerPort is the listening port when none is configured.
const DefaultTCPServerPort = 5760

// UDPMode selects how a UDP endpoint binds.
type UDPMode int

const (
	// UDPModeClient sends to a known peer address.
	UDPModeClient UDPMode = iota
	// UDPModeServer binds locally and learns its peer from the first datagram.
	UDPModeServer
)

func (m UDPMode) String() string {
	if m == UDPModeServer {
		return "Server"
	}
	return "Client"
}

// ParseUDPMode converts a config string into a UDPMode.
func ParseUDPMode(s string) (UDPMode, error) {
	switch strings.ToLower(s) {
	case "client", "normal":
		return UDPModeClient, nil
	case "server":
		return UDPModeServer, nil
	}
	return UDPModeClient, fmt.Errorf("invalid UDP mode %q", s)
}

// FilterConfig is the per-endpoint allow/deny sets, one per direction and
// dimension. An empty allow-set admits everything; a non-empty deny-set
// vetoes.
type FilterConfig struct {
	AllowMsgIDOut   []uint32
	BlockMsgIDOut   []uint32
	AllowMsgIDIn    []uint32
	BlockMsgIDIn    []uint32
	AllowSrcCompOut []uint32
	BlockSrcCompOut []uint32
	AllowSrcCompIn  []uint32
	BlockSrcCompIn  []uint32
	AllowSrcSysOut  []uint32
	BlockSrcSysOut  []uint32
	AllowSrcSysIn   []uint32
	BlockSrcSysIn   []uint32
}

// UARTEndpointConfig describes one serial endpoint.
type UARTEndpointConfig struct {
	Name        string
	Device      string
	Baudrates   []int
	FlowControl bool
	Group       string
	Filter      FilterConfig
}

// UDPEndpointConfig describes one UDP endpoint.
type UDPEndpointConfig struct {
	Name    string
	Address string
	Port    uint16
	Mode    UDPMode
	Group   string
	Filter  FilterConfig
}

// TCPEndpointConfig describes one outgoing TCP endpoint.
type TCPEndpointConfig struct {
	Name    string
	Address string
	Port    uint16
	// RetryMS is the reconnect interval after a disconnect. Zero disables
	// retrying; the router prunes the endpoint instead.
	RetryMS int
	Group   string
	Filter  FilterConfig
}

// Configuration is the materialised router configuration.
type Configuration struct {
	TCPServerPort    uint16
	ReportStats      bool
	DebugLogLevel    string
	DedupPeriodMS    uint32
	SnifferSysID     uint8
	ExtensionConfDir string
	StatsConfFile    string
	HTTPConfFile     string

	// Statistics is populated by the JSON config's statistics section;
	// nil when the document carries none. A -S YAML file overrides it.
	Statistics *stats.Config

	UARTEndpoints []UARTEndpointConfig
	UDPEndpoints  []UDPEndpointConfig
	TCPEndpoints  []TCPEndpointConfig
}

// New returns a Configuration with defaults applied.
func New() *Configuration {
	return &Configuration{
		TCPServerPort: DefaultTCPServerPort,
		DebugLogLevel: "info",
	}
}

// FindNextUDPPort picks a free client port starting at 14550, skipping
// ports already taken by configured UDP endpoints on the same address.
func (c *Configuration) FindNextUDPPort(address string) uint16 {
	port := uint16(14550)
	for {
		taken := false
		for _, udp := range c.UDPEndpoints {
			if udp.Address == address && udp.Port == port {
				taken = true
				break
			}
		}
		if !taken {
			return port
		}
		port++
	}
}

// Validate checks the whole configuration; the first problem is returned.
func (c *Configuration) Validate() error {
	for _, uart := range c.UARTEndpoints {
		if err := uart.Validate(); err != nil {
			return err
		}
	}
	for _, udp := range c.UDPEndpoints {
		if err := udp.Validate(); err != nil {
			return err
		}
	}
	for _, tcp := range c.TCPEndpoints {
		if err := tcp.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a UART endpoint configuration.
func (c *UARTEndpointConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("uart endpoint without a name")
	}
	if c.Device == "" {
		return fmt.Errorf("uart endpoint %s: device cannot be empty", c.Name)
	}
	for _, baud := range c.Baudrates {
		if baud <= 0 {
			return fmt.Errorf("uart endpoint %s: invalid baudrate %d", c.Name, baud)
		}
	}
	return nil
}

// Validate checks a UDP endpoint configuration.
func (c *UDPEndpointConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("udp endpoint without a name")
	}
	if c.Address == "" {
		return fmt.Errorf("udp endpoint %s: address cannot be empty", c.Name)
	}
	if c.Port == 0 {
		return fmt.Errorf("udp endpoint %s: port cannot be 0", c.Name)
	}
	return nil
}

// Validate checks a TCP endpoint configuration.
func (c *TCPEndpointConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("tcp endpoint without a name")
	}
	if c.Address == "" {
		return fmt.Errorf("tcp endpoint %s: address cannot be empty", c.Name)
	}
	if c.Port == 0 {
		return fmt.Errorf("tcp endpoint %s: port cannot be 0", c.Name)
	}
	if c.RetryMS < 0 {
		return fmt.Errorf("tcp endpoint %s: negative retry timeout", c.Name)
	}
	return nil
}

// parseUintList parses a comma-separated integer list ("0,4,76").
func parseUintList(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid integer list element %q", part)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
