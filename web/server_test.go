package web

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mavrouter/config"
	"mavrouter/internal/controller"
	"mavrouter/internal/extension"
	"mavrouter/internal/stats"
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

func newTestServer(t *testing.T) (*Server, *controller.Controller, *threadmgr.Manager, *extension.Manager) {
	t.Helper()
	tm := threadmgr.New()
	ctl := controller.New(tm)

	global := config.New()
	global.UDPEndpoints = []config.UDPEndpointConfig{
		{Name: "udp-extension-point-1", Address: "127.0.0.1", Port: freePort(t), Mode: config.UDPModeClient},
	}
	ext := extension.NewManager(tm)
	ext.SetConfDir(t.TempDir())
	ext.SetGlobalConfig(global)

	return NewServer(DefaultConfig(), ctl, ext), ctl, tm, ext
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRootAndStatus(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Routes()

	rec := doRequest(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mavrouter")

	rec = doRequest(t, h, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body["status"])
}

func TestThreadStatusRoutes(t *testing.T) {
	s, ctl, tm, _ := newTestServer(t)
	h := s.Routes()

	id := tm.CreateThread(func(handle *threadmgr.Handle) {
		for !handle.Stopping() {
			time.Sleep(5 * time.Millisecond)
		}
	})
	ctl.RegisterThread(controller.ThreadMainloop, id, controller.ThreadMainloop)

	rec := doRequest(t, h, http.MethodGet, "/api/threads", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp controller.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Threads, controller.ThreadMainloop)

	rec = doRequest(t, h, http.MethodGet, "/api/threads/mainloop", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/threads/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/threads/mainloop/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	tm.JoinThread(id, time.Second)

	rec = doRequest(t, h, http.MethodPost, "/api/threads/mainloop/reboot", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadStartViaRestartCallback(t *testing.T) {
	s, ctl, tm, _ := newTestServer(t)
	h := s.Routes()

	var exit atomic.Bool
	ctl.RegisterRestartCallback(controller.ThreadMainloop, func() uint32 {
		id := tm.CreateThread(func(handle *threadmgr.Handle) {
			for !exit.Load() && !handle.Stopping() {
				time.Sleep(5 * time.Millisecond)
			}
		})
		ctl.RegisterThread(controller.ThreadMainloop, id, controller.ThreadMainloop)
		return id
	})

	rec := doRequest(t, h, http.MethodPost, "/api/threads/mainloop/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp controller.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, controller.StatusSuccess, resp.Status)

	exit.Store(true)
}

func TestExtensionRoutes(t *testing.T) {
	s, _, _, ext := newTestServer(t)
	h := s.Routes()

	body := `{"name":"web-ext","type":"udp","address":"127.0.0.1","port":24550}`
	rec := doRequest(t, h, http.MethodPost, "/api/extensions/add", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Extension extension.Info `json:"extension"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "udp-extension-point-1", created.Extension.AssignedExtensionPoint)

	// duplicate
	rec = doRequest(t, h, http.MethodPost, "/api/extensions/add", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// pool exhausted
	rec = doRequest(t, h, http.MethodPost, "/api/extensions/add",
		`{"name":"another","type":"udp","address":"127.0.0.1","port":24551}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/extensions/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "web-ext")

	rec = doRequest(t, h, http.MethodGet, "/api/extensions/status/web-ext", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/extensions/stop/web-ext", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/extensions/start/web-ext", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/extensions/delete/web-ext", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/extensions/status/web-ext", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_ = ext
}

func TestExtensionAddInvalidJSON(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doRequest(t, s.Routes(), http.MethodPost, "/api/extensions/add", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsRoute(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := doRequest(t, s.Routes(), http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	e := stats.NewEndpoint("gcs")
	s.SetStatsProvider(func() []stats.EndpointSnapshot {
		return []stats.EndpointSnapshot{e.Snapshot()}
	})
	rec = doRequest(t, s.Routes(), http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gcs")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "http.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: 127.0.0.1\nport: 8088\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, 8088, cfg.Port)
	// defaults survive
	assert.Equal(t, 10000, cfg.ReadTimeoutMS)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestServerRunStops(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.cfg.Address = "127.0.0.1"
	s.cfg.Port = int(freePort(t))

	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	tm := threadmgr.New()
	id := tm.CreateThread(s.Run)

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, tm.StopThread(id))
	ok, err := tm.JoinThread(id, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
