package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollingAverage(t *testing.T) {
	avg := NewRollingAverage(3)
	assert.Equal(t, 0.0, avg.Average())

	avg.Add(1)
	avg.Add(2)
	avg.Add(3)
	assert.InDelta(t, 2.0, avg.Average(), 0.001)

	// window evicts the oldest sample
	avg.Add(6)
	assert.InDelta(t, (2.0+3.0+6.0)/3, avg.Average(), 0.001)

	avg.Reset()
	assert.Equal(t, 0.0, avg.Average())
}

func TestRateCalculator(t *testing.T) {
	r := NewRateCalculator(time.Second)
	now := time.Unix(100, 0)
	r.now = func() time.Time { return now }

	r.Add(10)
	assert.InDelta(t, 10.0, r.Rate(), 0.001)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0.0, r.Rate())
}

func TestEndpointCounters(t *testing.T) {
	e := NewEndpoint("gcs")

	e.OnMessageReceived(20, true)
	e.OnMessageReceived(30, false)
	e.OnMessageSent(25)
	e.OnFiltered(FilterMsgID)
	e.OnFiltered(FilterSrcSys)
	e.Accepted.Add(1)

	assert.Equal(t, uint64(2), e.RxMessages.Load())
	assert.Equal(t, uint64(50), e.RxBytes.Load())
	assert.Equal(t, uint64(1), e.TxMessages.Load())
	assert.Equal(t, uint32(1), e.FilteredMsgID.Load())
	assert.Equal(t, uint32(1), e.FilteredSrcSys.Load())
	assert.InDelta(t, 0.5, e.V2Ratio(), 0.001)
}

func TestSnapshotShape(t *testing.T) {
	e := NewEndpoint("uart0")
	e.InitUART().CurrentBaudrate.Store(57600)
	e.UART.BaudrateChanges.Add(2)
	e.OnMessageReceived(12, true)
	e.RefreshPeriodic()

	snap := e.Snapshot()
	assert.Equal(t, "uart0", snap.Name)
	assert.Equal(t, uint64(1), snap.RxMessages)
	require.NotNil(t, snap.UART)
	assert.Equal(t, int64(57600), snap.UART.CurrentBaudrate)
	assert.Equal(t, uint32(2), snap.UART.BaudrateChanges)
	assert.Nil(t, snap.UDP)
	assert.Nil(t, snap.TCP)
	assert.True(t, snap.PeakMsgRate > 0)
}

func TestTransportCountersInSnapshot(t *testing.T) {
	udpEp := NewEndpoint("gcs")
	udp := udpEp.InitUDP()
	udp.ICMPErrors.Add(2)
	udp.SocketErrors.Add(1)

	udpSnap := udpEp.Snapshot()
	require.NotNil(t, udpSnap.UDP)
	assert.Equal(t, uint32(2), udpSnap.UDP.ICMPErrors)
	assert.Equal(t, uint32(1), udpSnap.UDP.SocketErrors)

	tcpEp := NewEndpoint("link")
	tcp := tcpEp.InitTCP()
	tcp.Retransmissions.Add(7)
	tcp.KeepaliveSuccesses.Add(1)
	tcp.KeepaliveFailures.Add(1)

	tcpSnap := tcpEp.Snapshot()
	require.NotNil(t, tcpSnap.TCP)
	assert.Equal(t, uint32(7), tcpSnap.TCP.Retransmissions)
	assert.Equal(t, uint32(1), tcpSnap.TCP.KeepaliveSuccesses)
	assert.Equal(t, uint32(1), tcpSnap.TCP.KeepaliveFailures)
}

func TestTCPConnectionDuration(t *testing.T) {
	e := NewEndpoint("link")
	tcp := e.InitTCP()

	start := time.Now().Add(-3 * time.Second)
	tcp.OnConnect(start)
	assert.InDelta(t, 3.0, tcp.ConnectionDuration(time.Now()).Seconds(), 0.5)

	tcp.OnDisconnect()
	assert.Equal(t, time.Duration(0), tcp.ConnectionDuration(time.Now()))
}

func TestWriteSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	e := NewEndpoint("gcs")
	e.OnMessageReceived(10, true)

	require.NoError(t, WriteSnapshotFile(path, []EndpointSnapshot{e.Snapshot()}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc FileSnapshot
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Endpoints, 1)
	assert.Equal(t, "gcs", doc.Endpoints[0].Name)
	assert.False(t, doc.Timestamp.IsZero())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"report_interval_ms: 5000\nenable_json_output: true\njson_output_path: /tmp/stats.json\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(5000), cfg.ReportIntervalMS)
	assert.True(t, cfg.EnableJSONOutput)
	// default survives when the key is absent
	assert.Equal(t, uint32(10000), cfg.JSONWriteIntervalMS)
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableJSONOutput = true
	assert.Error(t, cfg.Validate())
}

func TestCollectResources(t *testing.T) {
	snap := CollectResources()
	assert.Greater(t, snap.FileDescriptors, 0)
}
