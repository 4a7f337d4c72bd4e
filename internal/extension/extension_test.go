package extension

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mavrouter/config"
	"mavrouter/internal/router"
	"mavrouter/internal/threadmgr"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return uint16(port)
}

func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}

// testGlobalConfig declares a pool with two UDP extension points and one
// internal router point, the way a primary configuration would.
func testGlobalConfig(t *testing.T) *config.Configuration {
	cfg := config.New()
	cfg.TCPServerPort = 0
	cfg.UDPEndpoints = []config.UDPEndpointConfig{
		{Name: "gcs", Address: "127.0.0.1", Port: freePort(t), Mode: config.UDPModeClient},
		{Name: "udp-extension-point-1", Address: "127.0.0.1", Port: freePort(t), Mode: config.UDPModeClient},
		{Name: "udp-extension-point-2", Address: "127.0.0.1", Port: freePort(t), Mode: config.UDPModeClient},
		{Name: "internal-router-point-1", Address: "127.0.0.1", Port: freePort(t), Mode: config.UDPModeClient},
	}
	return cfg
}

func newTestManager(t *testing.T, global *config.Configuration) (*Manager, *threadmgr.Manager) {
	t.Helper()
	tm := threadmgr.New()
	m := NewManager(tm)
	m.SetConfDir(t.TempDir())
	m.SetGlobalConfig(global)
	m.randomPort = func() uint16 { return freeTCPPort(t) }
	return m, tm
}

func TestCreateAutoAssignsPoint(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	info, err := m.Create(Config{
		Name:    "x",
		Type:    TypeUDP,
		Address: "127.0.0.1",
		Port:    freePort(t),
		// a client-supplied point is ignored
		AssignedExtensionPoint: "udp-extension-point-2",
	})
	require.NoError(t, err)
	assert.Equal(t, "udp-extension-point-1", info.AssignedExtensionPoint)
	assert.True(t, info.IsRunning)

	require.NoError(t, m.Delete("x"))
}

func TestNoTwoLiveExtensionsShareAPoint(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	first, err := m.Create(Config{Name: "a", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)
	second, err := m.Create(Config{Name: "b", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)

	assert.NotEqual(t, first.AssignedExtensionPoint, second.AssignedExtensionPoint)

	// the pool is exhausted now
	_, err = m.Create(Config{Name: "c", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	assert.ErrorIs(t, err, ErrNoAvailableExtensionPoints)

	m.Delete("a")
	m.Delete("b")
}

func TestInternalTypeUsesInternalPool(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	info, err := m.Create(Config{Name: "i", Type: TypeInternal, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)
	assert.Equal(t, "internal-router-point-1", info.AssignedExtensionPoint)

	m.Delete("i")
}

func TestCreateDuplicate(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	_, err := m.Create(Config{Name: "dup", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)
	_, err = m.Create(Config{Name: "dup", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	m.Delete("dup")
}

func TestStopIsolation(t *testing.T) {
	global := testGlobalConfig(t)

	// A live primary router over the same configuration.
	primary := router.New("primary")
	require.NoError(t, primary.Open())
	require.NoError(t, primary.AddEndpoints(global))

	primaryRet := make(chan int, 1)
	go func() { primaryRet <- primary.Loop() }()
	endpointsBefore := primary.EndpointCount()

	m, _ := newTestManager(t, global)
	_, err := m.Create(Config{Name: "x", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)

	// the extension thread publishes its own instance
	require.Eventually(t, func() bool {
		return m.Instance("x") != nil
	}, 2*time.Second, 10*time.Millisecond)
	ext := m.Instance("x")
	require.NotSame(t, primary, ext)

	start := time.Now()
	require.NoError(t, m.Stop("x"))
	assert.Less(t, time.Since(start), 5*time.Second)

	// stopping the extension leaves the primary router untouched
	assert.Equal(t, endpointsBefore, primary.EndpointCount())
	select {
	case <-primaryRet:
		t.Fatal("primary router loop exited")
	default:
	}

	info, err := m.Get("x")
	require.NoError(t, err)
	assert.False(t, info.IsRunning)

	m.Delete("x")
	primary.RequestExit(0)
	select {
	case <-primaryRet:
	case <-time.After(2 * time.Second):
		t.Fatal("primary router did not exit")
	}
}

func TestStartRelaunchesStoppedExtension(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	_, err := m.Create(Config{Name: "x", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Instance("x") != nil }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Stop("x"))

	require.NoError(t, m.Start("x"))
	require.Eventually(t, func() bool {
		info, err := m.Get("x")
		return err == nil && info.IsRunning && m.Instance("x") != nil
	}, 2*time.Second, 10*time.Millisecond)

	m.Delete("x")
}

func TestPersistenceRoundTrip(t *testing.T) {
	global := testGlobalConfig(t)
	m, _ := newTestManager(t, global)
	dir := m.confDir

	_, err := m.Create(Config{Name: "persist", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)

	path := filepath.Join(dir, "extension_persist.json")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	var saved Config
	require.NoError(t, json.Unmarshal(first, &saved))
	assert.Equal(t, "udp-extension-point-1", saved.AssignedExtensionPoint)
	require.Len(t, saved.ThreadConfig.UDPEndpoints, 2)
	assert.Equal(t, "Server", saved.ThreadConfig.UDPEndpoints[0].Mode)
	assert.Equal(t, "Client", saved.ThreadConfig.UDPEndpoints[1].Mode)
	assert.NotZero(t, saved.ThreadConfig.General.TCPServerPort)

	require.NoError(t, m.Stop("persist"))

	// A fresh manager over the same pool reloads the identical extension.
	m2, _ := newTestManager(t, global)
	m2.SetConfDir(dir)
	require.NoError(t, m2.LoadConfigs(dir))

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))

	info, err := m2.Get("persist")
	require.NoError(t, err)
	assert.Equal(t, "udp-extension-point-1", info.AssignedExtensionPoint)

	m2.Delete("persist")
	// m1 still has the record in memory; drop it too
	m.mu.Lock()
	delete(m.extensions, "persist")
	m.mu.Unlock()
}

func TestDeleteRemovesFileAndRecord(t *testing.T) {
	m, _ := newTestManager(t, testGlobalConfig(t))

	_, err := m.Create(Config{Name: "gone", Type: TypeUDP, Address: "127.0.0.1", Port: freePort(t)})
	require.NoError(t, err)

	path := filepath.Join(m.confDir, "extension_gone.json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, m.Delete("gone"))

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = m.Get("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTCPExtensionBuildsTCPThreadConfig(t *testing.T) {
	global := testGlobalConfig(t)
	global.TCPEndpoints = []config.TCPEndpointConfig{
		{Name: "tcp-extension-point-1", Address: "127.0.0.1", Port: freeTCPPort(t), RetryMS: 1000},
	}
	m, _ := newTestManager(t, global)

	info, err := m.Create(Config{Name: "t", Type: TypeTCP, Address: "127.0.0.1", Port: freeTCPPort(t)})
	require.NoError(t, err)
	assert.Equal(t, "tcp-extension-point-1", info.AssignedExtensionPoint)

	data, err := os.ReadFile(filepath.Join(m.confDir, "extension_t.json"))
	require.NoError(t, err)
	var saved Config
	require.NoError(t, json.Unmarshal(data, &saved))
	require.Len(t, saved.ThreadConfig.TCPEndpoints, 2)
	// the peer uplink retries every 5 s
	assert.Equal(t, 5000, saved.ThreadConfig.TCPEndpoints[1].RetryTimeout)

	m.Delete("t")
}

func TestCreateWithoutGlobalConfig(t *testing.T) {
	m := NewManager(threadmgr.New())
	m.SetConfDir(t.TempDir())
	_, err := m.Create(Config{Name: "x", Type: TypeUDP, Address: "127.0.0.1", Port: 1234})
	assert.ErrorIs(t, err, ErrNoGlobalConfig)
}

func TestParseType(t *testing.T) {
	assert.Equal(t, TypeInternal, ParseType("Internal"))
	assert.Equal(t, TypeTCP, ParseType("TCP"))
	assert.Equal(t, TypeUDP, ParseType("udp"))
	assert.Equal(t, TypeUDP, ParseType("whatever"))
}
