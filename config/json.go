package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"mavrouter/internal/stats"
)

// LoadJSON reads a JSON configuration file into cfg. Both snake_case and
// camelCase keys are accepted; unknown keys are ignored; structurally
// invalid documents are rejected.
func LoadJSON(path string, cfg *Configuration) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading json config: %w", err)
	}
	return ParseJSON(data, cfg)
}

// ParseJSON decodes JSON configuration bytes into cfg.
func ParseJSON(data []byte, cfg *Configuration) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing json config: %w", err)
	}

	if general, ok := doc["general"]; ok {
		obj, ok := general.(map[string]interface{})
		if !ok {
			return fmt.Errorf("json config: general must be an object")
		}
		if err := extractJSONGeneral(obj, cfg); err != nil {
			return err
		}
	}

	if statistics, ok := jsonValue(doc, "statistics"); ok {
		obj, ok := statistics.(map[string]interface{})
		if !ok {
			return fmt.Errorf("json config: statistics must be an object")
		}
		if err := extractJSONStatistics(obj, cfg); err != nil {
			return err
		}
	}

	if err := extractJSONEndpointList(doc, "uart_endpoints", func(obj map[string]interface{}) error {
		uart := UARTEndpointConfig{
			Name:   jsonString(obj, "name", ""),
			Device: jsonString(obj, "device", ""),
			Group:  jsonString(obj, "group", ""),
		}
		if bauds, ok := jsonValue(obj, "baudrates"); ok {
			list, ok := bauds.([]interface{})
			if !ok {
				return fmt.Errorf("uart endpoint %s: baudrates must be an array", uart.Name)
			}
			for _, b := range list {
				n, ok := b.(float64)
				if !ok {
					return fmt.Errorf("uart endpoint %s: invalid baudrate", uart.Name)
				}
				uart.Baudrates = append(uart.Baudrates, int(n))
			}
		}
		if len(uart.Baudrates) == 0 {
			uart.Baudrates = []int{DefaultBaudrate}
		}
		uart.FlowControl = jsonBool(obj, "flow_control", false)
		if err := extractJSONFilter(obj, &uart.Filter); err != nil {
			return err
		}
		if err := uart.Validate(); err != nil {
			return err
		}
		cfg.UARTEndpoints = append(cfg.UARTEndpoints, uart)
		return nil
	}); err != nil {
		return err
	}

	if err := extractJSONEndpointList(doc, "udp_endpoints", func(obj map[string]interface{}) error {
		udp := UDPEndpointConfig{
			Name:    jsonString(obj, "name", ""),
			Address: jsonString(obj, "address", ""),
			Port:    uint16(jsonNumber(obj, "port", 0)),
			Group:   jsonString(obj, "group", ""),
		}
		if modeStr := jsonString(obj, "mode", ""); modeStr != "" {
			mode, err := ParseUDPMode(modeStr)
			if err != nil {
				return fmt.Errorf("udp endpoint %s: %w", udp.Name, err)
			}
			udp.Mode = mode
		}
		if udp.Mode == UDPModeClient && udp.Port == 0 {
			udp.Port = cfg.FindNextUDPPort(udp.Address)
		}
		if err := extractJSONFilter(obj, &udp.Filter); err != nil {
			return err
		}
		if err := udp.Validate(); err != nil {
			return err
		}
		cfg.UDPEndpoints = append(cfg.UDPEndpoints, udp)
		return nil
	}); err != nil {
		return err
	}

	return extractJSONEndpointList(doc, "tcp_endpoints", func(obj map[string]interface{}) error {
		tcp := TCPEndpointConfig{
			Name:    jsonString(obj, "name", ""),
			Address: jsonString(obj, "address", ""),
			Port:    uint16(jsonNumber(obj, "port", 0)),
			RetryMS: int(jsonNumber(obj, "retry_timeout", 0)),
			Group:   jsonString(obj, "group", ""),
		}
		if err := extractJSONFilter(obj, &tcp.Filter); err != nil {
			return err
		}
		if err := tcp.Validate(); err != nil {
			return err
		}
		cfg.TCPEndpoints = append(cfg.TCPEndpoints, tcp)
		return nil
	})
}

func extractJSONGeneral(obj map[string]interface{}, cfg *Configuration) error {
	if v, ok := jsonValue(obj, "tcp_server_port"); ok {
		n, ok := v.(float64)
		if !ok || n < 0 || n > 65535 {
			return fmt.Errorf("json config: invalid tcp_server_port")
		}
		cfg.TCPServerPort = uint16(n)
	}
	cfg.ReportStats = jsonBool(obj, "report_stats", cfg.ReportStats)
	cfg.DebugLogLevel = jsonString(obj, "debug_log_level", cfg.DebugLogLevel)
	cfg.DedupPeriodMS = uint32(jsonNumber(obj, "deduplication_period", float64(cfg.DedupPeriodMS)))
	if v := jsonNumber(obj, "sniffer_sysid", float64(cfg.SnifferSysID)); v > 0 && v <= 255 {
		cfg.SnifferSysID = uint8(v)
	}
	cfg.ExtensionConfDir = jsonString(obj, "extension_conf_dir", cfg.ExtensionConfDir)
	return nil
}

func extractJSONStatistics(obj map[string]interface{}, cfg *Configuration) error {
	st := cfg.Statistics
	if st == nil {
		st = stats.DefaultConfig()
	}

	st.ReportIntervalMS = uint32(jsonNumber(obj, "report_interval_ms", float64(st.ReportIntervalMS)))
	st.EnableJSONOutput = jsonBool(obj, "enable_json_output", st.EnableJSONOutput)
	st.JSONOutputPath = jsonString(obj, "json_output_path", st.JSONOutputPath)
	st.JSONWriteIntervalMS = uint32(jsonNumber(obj, "json_write_interval_ms", float64(st.JSONWriteIntervalMS)))

	if err := st.Validate(); err != nil {
		return fmt.Errorf("json config: %w", err)
	}
	cfg.Statistics = st
	return nil
}

func extractJSONEndpointList(doc map[string]interface{}, key string, each func(map[string]interface{}) error) error {
	raw, ok := jsonValue(doc, key)
	if !ok {
		return nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return fmt.Errorf("json config: %s must be an array", key)
	}
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return fmt.Errorf("json config: %s entries must be objects", key)
		}
		if err := each(obj); err != nil {
			return err
		}
	}
	return nil
}

func extractJSONFilter(obj map[string]interface{}, filter *FilterConfig) error {
	fields := []struct {
		key    string
		target *[]uint32
	}{
		{"allow_msg_id_out", &filter.AllowMsgIDOut},
		{"block_msg_id_out", &filter.BlockMsgIDOut},
		{"allow_msg_id_in", &filter.AllowMsgIDIn},
		{"block_msg_id_in", &filter.BlockMsgIDIn},
		{"allow_src_comp_out", &filter.AllowSrcCompOut},
		{"block_src_comp_out", &filter.BlockSrcCompOut},
		{"allow_src_comp_in", &filter.AllowSrcCompIn},
		{"block_src_comp_in", &filter.BlockSrcCompIn},
		{"allow_src_sys_out", &filter.AllowSrcSysOut},
		{"block_src_sys_out", &filter.BlockSrcSysOut},
		{"allow_src_sys_in", &filter.AllowSrcSysIn},
		{"block_src_sys_in", &filter.BlockSrcSysIn},
	}
	for _, f := range fields {
		raw, ok := jsonValue(obj, f.key)
		if !ok {
			continue
		}
		list, ok := raw.([]interface{})
		if !ok {
			return fmt.Errorf("json config: %s must be an array", f.key)
		}
		for _, item := range list {
			n, ok := item.(float64)
			if !ok {
				return fmt.Errorf("json config: %s elements must be numbers", f.key)
			}
			*f.target = append(*f.target, uint32(n))
		}
	}
	return nil
}

// jsonValue looks a key up under its snake_case name, then its camelCase
// equivalent.
func jsonValue(obj map[string]interface{}, snakeKey string) (interface{}, bool) {
	if v, ok := obj[snakeKey]; ok {
		return v, true
	}
	if v, ok := obj[snakeToCamel(snakeKey)]; ok {
		return v, true
	}
	return nil, false
}

func jsonString(obj map[string]interface{}, key, fallback string) string {
	if v, ok := jsonValue(obj, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

func jsonNumber(obj map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := jsonValue(obj, key); ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return fallback
}

func jsonBool(obj map[string]interface{}, key string, fallback bool) bool {
	if v, ok := jsonValue(obj, key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
	}
	return strings.Join(parts, "")
}
