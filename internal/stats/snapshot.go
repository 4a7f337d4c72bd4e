package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"
)

// EndpointSnapshot is the JSON shape of one endpoint's statistics.
type EndpointSnapshot struct {
	Name string `json:"name"`

	RxMessages uint64 `json:"rx_messages"`
	RxBytes    uint64 `json:"rx_bytes"`
	TxMessages uint64 `json:"tx_messages"`
	TxBytes    uint64 `json:"tx_bytes"`

	MessageRate    float64 `json:"message_rate"`
	ByteRate       float64 `json:"byte_rate"`
	PeakMsgRate    float64 `json:"peak_message_rate"`
	PeakByteRate   float64 `json:"peak_byte_rate"`
	AvgMessageSize float64 `json:"avg_message_size"`
	AvgLatencyUS   float64 `json:"avg_latency_us"`
	V2Ratio        float64 `json:"v2_ratio"`

	Malformed      uint32 `json:"malformed"`
	BufferOverruns uint32 `json:"buffer_overruns"`
	TimeoutErrors  uint32 `json:"timeout_errors"`
	MessagesLost   uint32 `json:"messages_lost"`

	Accepted        uint32 `json:"accepted"`
	Rejected        uint32 `json:"rejected"`
	FilteredMsgID   uint32 `json:"filtered_by_msg_id"`
	FilteredSrcSys  uint32 `json:"filtered_by_src_sys"`
	FilteredSrcComp uint32 `json:"filtered_by_src_comp"`
	Deduplicated    uint32 `json:"deduplicated"`
	GroupShared     uint32 `json:"group_shared"`

	UART *UARTSnapshot `json:"uart,omitempty"`
	UDP  *UDPSnapshot  `json:"udp,omitempty"`
	TCP  *TCPSnapshot  `json:"tcp,omitempty"`
}

// UARTSnapshot is the serial part of a snapshot.
type UARTSnapshot struct {
	CurrentBaudrate int64  `json:"current_baudrate"`
	BaudrateChanges uint32 `json:"baudrate_changes"`
	HardwareErrors  uint32 `json:"hardware_errors"`
	DeviceReopens   uint32 `json:"device_reopens"`
}

// UDPSnapshot is the datagram part of a snapshot.
type UDPSnapshot struct {
	AddressChanges    uint32 `json:"address_changes"`
	SocketErrors      uint32 `json:"socket_errors"`
	ICMPErrors        uint32 `json:"icmp_errors"`
	OutOfOrderPackets uint32 `json:"out_of_order_packets"`
	DroppedNoPeer     uint32 `json:"dropped_no_peer"`
}

// TCPSnapshot is the stream part of a snapshot.
type TCPSnapshot struct {
	RetryAttempts            uint32  `json:"retry_attempts"`
	Retransmissions          uint32  `json:"retransmissions"`
	KeepaliveSuccesses       uint32  `json:"keepalive_successes"`
	KeepaliveFailures        uint32  `json:"keepalive_failures"`
	GracefulDisconnections   uint32  `json:"graceful_disconnections"`
	UnexpectedDisconnections uint32  `json:"unexpected_disconnections"`
	ConnectionDurationSec    float64 `json:"connection_duration_sec"`
}

// ResourceSnapshot captures process-level resource usage.
type ResourceSnapshot struct {
	RSSBytes        uint64 `json:"rss_bytes"`
	FileDescriptors int    `json:"file_descriptors"`
	FDLimit         uint64 `json:"fd_limit"`
	NearFDLimit     bool   `json:"near_fd_limit"`
}

// FileSnapshot is the document written to the optional JSON sink.
type FileSnapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Endpoints []EndpointSnapshot `json:"endpoints"`
	Resources ResourceSnapshot   `json:"resources"`
}

// Snapshot captures the endpoint's current statistics.
func (e *Endpoint) Snapshot() EndpointSnapshot {
	now := time.Now()

	e.peakMu.Lock()
	peakMsg := e.peakMsgRate
	peakByte := e.peakByteRate
	e.peakMu.Unlock()

	snap := EndpointSnapshot{
		Name:            e.Name,
		RxMessages:      e.RxMessages.Load(),
		RxBytes:         e.RxBytes.Load(),
		TxMessages:      e.TxMessages.Load(),
		TxBytes:         e.TxBytes.Load(),
		MessageRate:     e.msgRate.Rate(),
		ByteRate:        e.byteRate.Rate(),
		PeakMsgRate:     peakMsg,
		PeakByteRate:    peakByte,
		AvgMessageSize:  e.msgSize.Average(),
		AvgLatencyUS:    e.latency.Average(),
		V2Ratio:         e.V2Ratio(),
		Malformed:       e.Malformed.Load(),
		BufferOverruns:  e.BufferOverruns.Load(),
		TimeoutErrors:   e.TimeoutErrors.Load(),
		MessagesLost:    e.MessagesLost.Load(),
		Accepted:        e.Accepted.Load(),
		Rejected:        e.Rejected.Load(),
		FilteredMsgID:   e.FilteredMsgID.Load(),
		FilteredSrcSys:  e.FilteredSrcSys.Load(),
		FilteredSrcComp: e.FilteredSrcComp.Load(),
		Deduplicated:    e.Deduplicated.Load(),
		GroupShared:     e.GroupShared.Load(),
	}

	if e.UART != nil {
		snap.UART = &UARTSnapshot{
			CurrentBaudrate: e.UART.CurrentBaudrate.Load(),
			BaudrateChanges: e.UART.BaudrateChanges.Load(),
			HardwareErrors:  e.UART.HardwareErrors.Load(),
			DeviceReopens:   e.UART.DeviceReopens.Load(),
		}
	}
	if e.UDP != nil {
		snap.UDP = &UDPSnapshot{
			AddressChanges:    e.UDP.AddressChanges.Load(),
			SocketErrors:      e.UDP.SocketErrors.Load(),
			ICMPErrors:        e.UDP.ICMPErrors.Load(),
			OutOfOrderPackets: e.UDP.OutOfOrderPackets.Load(),
			DroppedNoPeer:     e.UDP.DroppedNoPeer.Load(),
		}
	}
	if e.TCP != nil {
		snap.TCP = &TCPSnapshot{
			RetryAttempts:            e.TCP.RetryAttempts.Load(),
			Retransmissions:          e.TCP.Retransmissions.Load(),
			KeepaliveSuccesses:       e.TCP.KeepaliveSuccesses.Load(),
			KeepaliveFailures:        e.TCP.KeepaliveFailures.Load(),
			GracefulDisconnections:   e.TCP.GracefulDisconnections.Load(),
			UnexpectedDisconnections: e.TCP.UnexpectedDisconnections.Load(),
			ConnectionDurationSec:    e.TCP.ConnectionDuration(now).Seconds(),
		}
	}

	return snap
}

// Summary is the one-line periodic report for an endpoint.
func (e *Endpoint) Summary() string {
	return fmt.Sprintf("%s: rx %d msgs/%d bytes (%.1f msg/s), tx %d msgs/%d bytes, lost %d, malformed %d",
		e.Name,
		e.RxMessages.Load(), e.RxBytes.Load(), e.msgRate.Rate(),
		e.TxMessages.Load(), e.TxBytes.Load(),
		e.MessagesLost.Load(), e.Malformed.Load())
}

// CollectResources reads process resource usage from /proc.
func CollectResources() ResourceSnapshot {
	var snap ResourceSnapshot

	if data, err := os.ReadFile("/proc/self/statm"); err == nil {
		var size, rss uint64
		if _, err := fmt.Sscanf(string(data), "%d %d", &size, &rss); err == nil {
			snap.RSSBytes = rss * uint64(os.Getpagesize())
		}
	}

	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		snap.FileDescriptors = len(entries)
	}

	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err == nil {
		snap.FDLimit = limit.Cur
		if limit.Cur > 0 && uint64(snap.FileDescriptors)*10 >= limit.Cur*9 {
			snap.NearFDLimit = true
		}
	}

	return snap
}

// WriteSnapshotFile serialises a snapshot document to path atomically.
func WriteSnapshotFile(path string, endpoints []EndpointSnapshot) error {
	doc := FileSnapshot{
		Timestamp: time.Now(),
		Endpoints: endpoints,
		Resources: CollectResources(),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling stats snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing stats snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}
