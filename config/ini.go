package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

const (
	uartSectionPrefix = "UartEndpoint "
	udpSectionPrefix  = "UdpEndpoint "
	tcpSectionPrefix  = "TcpEndpoint "
)

// LoadConfFiles reads the main conf file plus every regular file in confDir
// (sorted, later files overriding earlier ones) into cfg. A missing conf
// file is not an error; a missing conf dir is not either.
func LoadConfFiles(confFile, confDir string, cfg *Configuration) error {
	var sources []interface{}

	if confFile != "" {
		if _, err := os.Stat(confFile); err == nil {
			sources = append(sources, confFile)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("conf file %s: %w", confFile, err)
		}
	}

	if confDir != "" {
		entries, err := os.ReadDir(confDir)
		if err == nil {
			var files []string
			for _, entry := range entries {
				if entry.Type().IsRegular() {
					files = append(files, filepath.Join(confDir, entry.Name()))
				}
			}
			sort.Strings(files)
			for _, f := range files {
				sources = append(sources, f)
			}
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("conf dir %s: %w", confDir, err)
		}
	}

	if len(sources) == 0 {
		return nil
	}

	first := sources[0]
	file, err := ini.Load(first, sources[1:]...)
	if err != nil {
		return fmt.Errorf("parsing conf files: %w", err)
	}

	return extractINI(file, cfg)
}

func extractINI(file *ini.File, cfg *Configuration) error {
	if general := file.Section("General"); general != nil {
		if err := extractGeneral(general, cfg); err != nil {
			return err
		}
	}

	for _, section := range file.Sections() {
		name := section.Name()
		switch {
		case strings.HasPrefix(name, uartSectionPrefix):
			uart := UARTEndpointConfig{Name: strings.TrimPrefix(name, uartSectionPrefix)}
			if err := extractUARTSection(section, &uart); err != nil {
				return err
			}
			if len(uart.Baudrates) == 0 {
				uart.Baudrates = []int{DefaultBaudrate}
			}
			if err := uart.Validate(); err != nil {
				return err
			}
			cfg.UARTEndpoints = append(cfg.UARTEndpoints, uart)

		case strings.HasPrefix(name, udpSectionPrefix):
			udp := UDPEndpointConfig{Name: strings.TrimPrefix(name, udpSectionPrefix)}
			if err := extractUDPSection(section, &udp); err != nil {
				return err
			}
			if udp.Mode == UDPModeClient && udp.Port == 0 {
				udp.Port = cfg.FindNextUDPPort(udp.Address)
			}
			if err := udp.Validate(); err != nil {
				return err
			}
			cfg.UDPEndpoints = append(cfg.UDPEndpoints, udp)

		case strings.HasPrefix(name, tcpSectionPrefix):
			tcp := TCPEndpointConfig{Name: strings.TrimPrefix(name, tcpSectionPrefix)}
			if err := extractTCPSection(section, &tcp); err != nil {
				return err
			}
			if err := tcp.Validate(); err != nil {
				return err
			}
			cfg.TCPEndpoints = append(cfg.TCPEndpoints, tcp)
		}
	}

	return nil
}

func extractGeneral(section *ini.Section, cfg *Configuration) error {
	if key := section.Key("TcpServerPort"); key.String() != "" {
		port, err := key.Uint()
		if err != nil || port > 65535 {
			return fmt.Errorf("invalid TcpServerPort %q", key.String())
		}
		cfg.TCPServerPort = uint16(port)
	}
	if key := section.Key("ReportStats"); key.String() != "" {
		v, err := key.Bool()
		if err != nil {
			return fmt.Errorf("invalid ReportStats %q", key.String())
		}
		cfg.ReportStats = v
	}
	if key := section.Key("DebugLogLevel"); key.String() != "" {
		cfg.DebugLogLevel = key.String()
	}
	if key := section.Key("DeduplicationPeriod"); key.String() != "" {
		v, err := key.Uint()
		if err != nil {
			return fmt.Errorf("invalid DeduplicationPeriod %q", key.String())
		}
		cfg.DedupPeriodMS = uint32(v)
	}
	if key := section.Key("SnifferSysid"); key.String() != "" {
		v, err := key.Uint()
		if err != nil || v == 0 || v > 255 {
			return fmt.Errorf("invalid SnifferSysid %q", key.String())
		}
		cfg.SnifferSysID = uint8(v)
	}
	if key := section.Key("ExtensionConfDir"); key.String() != "" {
		cfg.ExtensionConfDir = key.String()
	}
	if key := section.Key("StatsConfFile"); key.String() != "" {
		cfg.StatsConfFile = key.String()
	}
	if key := section.Key("HttpConfFile"); key.String() != "" {
		cfg.HTTPConfFile = key.String()
	}
	return nil
}

func extractUARTSection(section *ini.Section, uart *UARTEndpointConfig) error {
	uart.Device = section.Key("Device").String()

	if bauds := section.Key("Baud").String(); bauds != "" {
		for _, part := range strings.Split(bauds, ",") {
			baud, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return fmt.Errorf("uart endpoint %s: invalid Baud %q", uart.Name, part)
			}
			uart.Baudrates = append(uart.Baudrates, baud)
		}
	}
	if key := section.Key("FlowControl"); key.String() != "" {
		v, err := key.Bool()
		if err != nil {
			return fmt.Errorf("uart endpoint %s: invalid FlowControl", uart.Name)
		}
		uart.FlowControl = v
	}
	uart.Group = section.Key("Group").String()
	return extractFilterKeys(section, &uart.Filter)
}

func extractUDPSection(section *ini.Section, udp *UDPEndpointConfig) error {
	udp.Address = section.Key("Address").String()

	if key := section.Key("Port"); key.String() != "" {
		port, err := key.Uint()
		if err != nil || port == 0 || port > 65535 {
			return fmt.Errorf("udp endpoint %s: invalid Port %q", udp.Name, key.String())
		}
		udp.Port = uint16(port)
	}
	if key := section.Key("Mode"); key.String() != "" {
		mode, err := ParseUDPMode(key.String())
		if err != nil {
			return fmt.Errorf("udp endpoint %s: %w", udp.Name, err)
		}
		udp.Mode = mode
	}
	udp.Group = section.Key("Group").String()
	return extractFilterKeys(section, &udp.Filter)
}

func extractTCPSection(section *ini.Section, tcp *TCPEndpointConfig) error {
	tcp.Address = section.Key("Address").String()

	if key := section.Key("Port"); key.String() != "" {
		port, err := key.Uint()
		if err != nil || port == 0 || port > 65535 {
			return fmt.Errorf("tcp endpoint %s: invalid Port %q", tcp.Name, key.String())
		}
		tcp.Port = uint16(port)
	}
	if key := section.Key("RetryTimeout"); key.String() != "" {
		retry, err := key.Int()
		if err != nil || retry < 0 {
			return fmt.Errorf("tcp endpoint %s: invalid RetryTimeout %q", tcp.Name, key.String())
		}
		tcp.RetryMS = retry
	}
	tcp.Group = section.Key("Group").String()
	return extractFilterKeys(section, &tcp.Filter)
}

func extractFilterKeys(section *ini.Section, filter *FilterConfig) error {
	fields := []struct {
		key    string
		target *[]uint32
	}{
		{"AllowMsgIdOut", &filter.AllowMsgIDOut},
		{"BlockMsgIdOut", &filter.BlockMsgIDOut},
		{"AllowMsgIdIn", &filter.AllowMsgIDIn},
		{"BlockMsgIdIn", &filter.BlockMsgIDIn},
		{"AllowSrcCompOut", &filter.AllowSrcCompOut},
		{"BlockSrcCompOut", &filter.BlockSrcCompOut},
		{"AllowSrcCompIn", &filter.AllowSrcCompIn},
		{"BlockSrcCompIn", &filter.BlockSrcCompIn},
		{"AllowSrcSysOut", &filter.AllowSrcSysOut},
		{"BlockSrcSysOut", &filter.BlockSrcSysOut},
		{"AllowSrcSysIn", &filter.AllowSrcSysIn},
		{"BlockSrcSysIn", &filter.BlockSrcSysIn},
	}
	for _, f := range fields {
		raw := section.Key(f.key).String()
		if raw == "" {
			continue
		}
		values, err := parseUintList(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.target = values
	}
	return nil
}
