// Package extension owns the secondary router instances. Each extension
// runs an independent router in its own thread, bridging one preconfigured
// extension-point endpoint of the primary configuration to one external
// peer. Extensions persist as JSON files so they survive restarts.
package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mavrouter/config"
	"mavrouter/internal/router"
	"mavrouter/internal/threadmgr"
	"mavrouter/logger"
)

// Type selects which extension-point pool an extension plugs into.
type Type string

const (
	TypeInternal Type = "internal"
	TypeUDP      Type = "udp"
	TypeTCP      Type = "tcp"
)

// Pool name prefixes reserved in the primary router's configuration.
const (
	internalPointPrefix = "internal-router-point"
	udpPointPrefix      = "udp-extension-point"
	tcpPointPrefix      = "tcp-extension-point"
)

// ParseType normalises an extension type string; unknown values default
// to UDP.
func ParseType(s string) Type {
	switch Type(strings.ToLower(s)) {
	case TypeInternal:
		return TypeInternal
	case TypeTCP:
		return TypeTCP
	}
	return TypeUDP
}

// Errors surfaced by extension operations.
var (
	ErrNoAvailableExtensionPoints = errors.New("no available extension points")
	ErrAlreadyExists              = errors.New("extension already exists")
	ErrNotFound                   = errors.New("extension not found")
	ErrNoGlobalConfig             = errors.New("global configuration not available")
)

// UDPEndpointJSON is a UDP endpoint in the persisted thread config.
type UDPEndpointJSON struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// TCPEndpointJSON is a TCP endpoint in the persisted thread config.
type TCPEndpointJSON struct {
	Name         string `json:"name"`
	Address      string `json:"address"`
	Port         uint16 `json:"port"`
	RetryTimeout int    `json:"retry_timeout"`
}

// ThreadConfig is the secondary router's configuration as persisted.
type ThreadConfig struct {
	General struct {
		TCPServerPort uint16 `json:"tcp_server_port"`
	} `json:"general"`
	UDPEndpoints []UDPEndpointJSON `json:"udp_endpoints,omitempty"`
	TCPEndpoints []TCPEndpointJSON `json:"tcp_endpoints,omitempty"`
}

// Config describes one extension.
type Config struct {
	Name                   string       `json:"name"`
	Type                   Type         `json:"type"`
	Address                string       `json:"address"`
	Port                   uint16       `json:"port"`
	AssignedExtensionPoint string       `json:"assigned_extension_point"`
	ThreadConfig           ThreadConfig `json:"extension_thread_config"`
}

// Validate checks the user-supplied part of an extension config.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("extension name cannot be empty")
	}
	if c.Address == "" {
		return fmt.Errorf("extension address cannot be empty")
	}
	if c.Port == 0 {
		return fmt.Errorf("extension port cannot be 0")
	}
	return nil
}

// Record is the manager's bookkeeping for one extension.
type Record struct {
	Config   Config
	ThreadID uint32
	Running  bool
	instance *router.Router
}

// Info is the management-plane view of an extension.
type Info struct {
	Name                   string `json:"name"`
	ThreadID               uint32 `json:"threadId"`
	Type                   Type   `json:"type"`
	Address                string `json:"address"`
	Port                   uint16 `json:"port"`
	AssignedExtensionPoint string `json:"assigned_extension_point"`
	IsRunning              bool   `json:"isRunning"`
}

func (r *Record) info() Info {
	return Info{
		Name:                   r.Config.Name,
		ThreadID:               r.ThreadID,
		Type:                   r.Config.Type,
		Address:                r.Config.Address,
		Port:                   r.Config.Port,
		AssignedExtensionPoint: r.Config.AssignedExtensionPoint,
		IsRunning:              r.Running,
	}
}

// Manager arbitrates extension points and supervises extension threads.
type Manager struct {
	tm  *threadmgr.Manager
	log *zap.SugaredLogger

	mu         sync.Mutex
	extensions map[string]*Record
	confDir    string
	global     *config.Configuration

	randomPort func() uint16
}

// NewManager creates an extension manager over the given thread manager.
func NewManager(tm *threadmgr.Manager) *Manager {
	return &Manager{
		tm:         tm,
		log:        logger.Named("extensions"),
		extensions: make(map[string]*Record),
		confDir:    "config",
		randomPort: func() uint16 { return uint16(50000 + rand.Intn(10000)) },
	}
}

// SetConfDir sets where extension config files are persisted.
func (m *Manager) SetConfDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confDir = dir
}

// SetGlobalConfig wires the primary router's configuration, the source of
// the extension-point pool.
func (m *Manager) SetGlobalConfig(cfg *config.Configuration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = cfg
}

// assignPoint picks the first pool slot of the requested type not claimed
// by a live extension. Caller holds m.mu.
func (m *Manager) assignPoint(t Type) string {
	used := make(map[string]struct{})
	for _, rec := range m.extensions {
		if rec.Config.AssignedExtensionPoint != "" {
			used[rec.Config.AssignedExtensionPoint] = struct{}{}
		}
	}

	if t == TypeTCP {
		for _, tcp := range m.global.TCPEndpoints {
			if strings.HasPrefix(tcp.Name, tcpPointPrefix) {
				if _, taken := used[tcp.Name]; !taken {
					return tcp.Name
				}
			}
		}
		return ""
	}

	prefix := udpPointPrefix
	if t == TypeInternal {
		prefix = internalPointPrefix
	}
	for _, udp := range m.global.UDPEndpoints {
		if strings.HasPrefix(udp.Name, prefix) {
			if _, taken := used[udp.Name]; !taken {
				return udp.Name
			}
		}
	}
	return ""
}

// buildThreadConfig synthesises the secondary router's configuration: the
// pool slot plus the user-supplied peer as the uplink. For UDP and internal
// types the slot becomes a Server-mode endpoint that listens inside the
// extension. For TCP the slot's outgoing TCP endpoint config is copied
// unchanged, so it connects to the slot's address rather than listening.
// Caller holds m.mu.
func (m *Manager) buildThreadConfig(cfg *Config) error {
	// A port persisted from an earlier run is kept so reloaded extensions
	// come back identical; fresh extensions get a random one.
	port := cfg.ThreadConfig.General.TCPServerPort
	if port == 0 {
		port = m.randomPort()
	}
	cfg.ThreadConfig = ThreadConfig{}
	cfg.ThreadConfig.General.TCPServerPort = port

	if cfg.Type == TypeTCP {
		found := false
		for _, tcp := range m.global.TCPEndpoints {
			if tcp.Name == cfg.AssignedExtensionPoint {
				cfg.ThreadConfig.TCPEndpoints = append(cfg.ThreadConfig.TCPEndpoints, TCPEndpointJSON{
					Name:         tcp.Name,
					Address:      tcp.Address,
					Port:         tcp.Port,
					RetryTimeout: tcp.RetryMS,
				})
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("extension point %s not found in configuration", cfg.AssignedExtensionPoint)
		}
		cfg.ThreadConfig.TCPEndpoints = append(cfg.ThreadConfig.TCPEndpoints, TCPEndpointJSON{
			Name:         cfg.Name,
			Address:      cfg.Address,
			Port:         cfg.Port,
			RetryTimeout: 5000,
		})
		return nil
	}

	found := false
	for _, udp := range m.global.UDPEndpoints {
		if udp.Name == cfg.AssignedExtensionPoint {
			cfg.ThreadConfig.UDPEndpoints = append(cfg.ThreadConfig.UDPEndpoints, UDPEndpointJSON{
				Name:    udp.Name,
				Address: udp.Address,
				Port:    udp.Port,
				Mode:    config.UDPModeServer.String(),
			})
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("extension point %s not found in configuration", cfg.AssignedExtensionPoint)
	}
	cfg.ThreadConfig.UDPEndpoints = append(cfg.ThreadConfig.UDPEndpoints, UDPEndpointJSON{
		Name:    cfg.Name,
		Address: cfg.Address,
		Port:    cfg.Port,
		Mode:    config.UDPModeClient.String(),
	})
	return nil
}

// routerConfiguration converts the persisted thread config into the
// router's configuration model.
func (t *ThreadConfig) routerConfiguration() (*config.Configuration, error) {
	cfg := config.New()
	cfg.TCPServerPort = t.General.TCPServerPort

	for _, udp := range t.UDPEndpoints {
		mode, err := config.ParseUDPMode(udp.Mode)
		if err != nil {
			return nil, err
		}
		cfg.UDPEndpoints = append(cfg.UDPEndpoints, config.UDPEndpointConfig{
			Name:    udp.Name,
			Address: udp.Address,
			Port:    udp.Port,
			Mode:    mode,
		})
	}
	for _, tcp := range t.TCPEndpoints {
		cfg.TCPEndpoints = append(cfg.TCPEndpoints, config.TCPEndpointConfig{
			Name:    tcp.Name,
			Address: tcp.Address,
			Port:    tcp.Port,
			RetryMS: tcp.RetryTimeout,
		})
	}
	return cfg, cfg.Validate()
}

// Create auto-assigns an extension point, builds the secondary router's
// configuration, launches its thread and persists the result. A
// client-supplied assigned point is always ignored.
func (m *Manager) Create(cfg Config) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.extensions[cfg.Name]; exists {
		return Info{}, fmt.Errorf("%w: %s", ErrAlreadyExists, cfg.Name)
	}
	if m.global == nil {
		return Info{}, ErrNoGlobalConfig
	}

	if cfg.AssignedExtensionPoint != "" {
		m.log.Infof("ignoring client-supplied extension point %q for %s, auto-assigning",
			cfg.AssignedExtensionPoint, cfg.Name)
	}
	cfg.AssignedExtensionPoint = m.assignPoint(cfg.Type)
	if cfg.AssignedExtensionPoint == "" {
		return Info{}, fmt.Errorf("%w for type %s", ErrNoAvailableExtensionPoints, cfg.Type)
	}

	if err := cfg.Validate(); err != nil {
		return Info{}, err
	}
	if err := m.buildThreadConfig(&cfg); err != nil {
		return Info{}, err
	}

	rec := &Record{Config: cfg}
	m.extensions[cfg.Name] = rec
	rec.ThreadID = m.launchThread(rec)
	rec.Running = true

	if err := m.saveLocked(rec); err != nil {
		m.log.Warnf("persisting extension %s: %v", cfg.Name, err)
	}

	m.log.Infof("extension %s created on point %s (thread %d)",
		cfg.Name, cfg.AssignedExtensionPoint, rec.ThreadID)
	return rec.info(), nil
}

// launchThread starts the extension's router thread. The thread body has a
// guarded outer scope: whatever way the inner body ends, the instance's
// tracked handles are force-closed and the record cleared. Caller holds
// m.mu.
func (m *Manager) launchThread(rec *Record) uint32 {
	name := rec.Config.Name
	threadCfg := rec.Config.ThreadConfig

	id := m.tm.CreateThread(func(h *threadmgr.Handle) {
		inst := router.New("ext-" + name)

		m.mu.Lock()
		if current, ok := m.extensions[name]; ok {
			current.instance = inst
		}
		m.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				m.log.Errorf("extension %s: panic in thread: %v", name, r)
			}
			inst.Teardown()
			m.mu.Lock()
			if current, ok := m.extensions[name]; ok && current.instance == inst {
				current.instance = nil
				current.Running = false
			}
			m.mu.Unlock()
			m.log.Infof("extension %s: thread finished, resources released", name)
		}()

		routerCfg, err := threadCfg.routerConfiguration()
		if err != nil {
			m.log.Errorf("extension %s: invalid thread config: %v", name, err)
			return
		}
		if err := inst.Open(); err != nil {
			m.log.Errorf("extension %s: open failed: %v", name, err)
			return
		}
		if err := inst.AddEndpoints(routerCfg); err != nil {
			m.log.Errorf("extension %s: add endpoints failed: %v", name, err)
			return
		}

		ret := inst.Loop()
		m.log.Infof("extension %s: event loop exited with code %d", name, ret)
	})

	if err := m.tm.RegisterThread(id, "extension_"+name); err != nil {
		m.log.Warnf("registering extension thread: %v", err)
	}
	return id
}

const (
	instanceWaitAttempts = 20
	instanceWaitStep     = 50 * time.Millisecond
	stopJoinTimeout      = 5 * time.Second
)

// Stop signals the extension's own router instance to exit and waits a
// bounded time for the thread to finish. The primary router is never
// touched. The extensions mutex is released around each wait step so
// other callers are not starved.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()

	rec, ok := m.extensions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !rec.Running {
		m.mu.Unlock()
		m.log.Infof("extension %s is already stopped", name)
		return nil
	}

	threadID := rec.ThreadID
	attachment := "extension_" + name

	var inst *router.Router
	for attempt := 0; attempt < instanceWaitAttempts; attempt++ {
		inst = rec.instance
		if inst != nil {
			break
		}
		m.mu.Unlock()
		time.Sleep(instanceWaitStep)
		m.mu.Lock()
		rec, ok = m.extensions[name]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s (removed during stop)", ErrNotFound, name)
		}
	}
	m.mu.Unlock()

	if inst == nil {
		m.log.Errorf("extension %s: instance never initialised, forcing thread stop", name)
		if err := m.tm.StopThread(threadID); err == nil {
			m.tm.JoinThread(threadID, 2*time.Second)
		}
		m.tm.UnregisterThread(attachment)
		m.mu.Lock()
		if rec, ok := m.extensions[name]; ok {
			rec.Running = false
			rec.instance = nil
		}
		m.mu.Unlock()
		return fmt.Errorf("extension %s: instance never initialised", name)
	}

	// This targets the extension's own instance, never the primary.
	inst.RequestExit(0)

	if joined, err := m.tm.JoinThread(threadID, stopJoinTimeout); err != nil {
		m.log.Warnf("joining extension %s thread: %v", name, err)
	} else if !joined {
		m.log.Warnf("extension %s thread did not exit within timeout", name)
	}

	if err := m.tm.UnregisterThread(attachment); err != nil {
		m.log.Debugf("unregistering %s: %v", attachment, err)
	}

	m.mu.Lock()
	if rec, ok := m.extensions[name]; ok {
		rec.Running = false
		rec.instance = nil
	}
	m.mu.Unlock()

	m.log.Infof("extension %s stopped", name)
	return nil
}

// Start relaunches a previously stopped extension with its retained
// configuration.
func (m *Manager) Start(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.extensions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.Running {
		m.log.Infof("extension %s is already running", name)
		return nil
	}

	if rec.ThreadID != 0 {
		if err := m.tm.StopThread(rec.ThreadID); err == nil {
			m.tm.JoinThread(rec.ThreadID, 200*time.Millisecond)
		}
		m.tm.UnregisterThread("extension_" + name)
	}

	rec.ThreadID = m.launchThread(rec)
	rec.Running = true
	m.log.Infof("extension %s started with thread %d", name, rec.ThreadID)
	return nil
}

// Delete stops the extension, removes its config file and forgets it.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	_, ok := m.extensions[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := m.Stop(name); err != nil {
		m.log.Warnf("stopping extension %s for delete: %v", name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.configPathLocked(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warnf("removing %s: %v", path, err)
	}
	delete(m.extensions, name)
	m.log.Infof("extension %s deleted", name)
	return nil
}

// Get returns the management view of one extension.
func (m *Manager) Get(name string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.extensions[name]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec.info(), nil
}

// List returns the management view of every extension.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.extensions))
	for _, rec := range m.extensions {
		out = append(out, rec.info())
	}
	return out
}

// Instance exposes the extension's router instance for tests and
// diagnostics; nil until the thread published it.
func (m *Manager) Instance(name string) *router.Router {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.extensions[name]; ok {
		return rec.instance
	}
	return nil
}

func (m *Manager) configPathLocked(name string) string {
	return filepath.Join(m.confDir, "extension_"+name+".json")
}

// saveLocked persists one extension's configuration. Caller holds m.mu.
func (m *Manager) saveLocked(rec *Record) error {
	data, err := json.MarshalIndent(rec.Config, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling extension config: %w", err)
	}
	if err := os.MkdirAll(m.confDir, 0o755); err != nil {
		return fmt.Errorf("creating conf dir: %w", err)
	}
	path := m.configPathLocked(rec.Config.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing extension config: %w", err)
	}
	m.log.Infof("saved extension config: %s", path)
	return nil
}

// LoadConfigs scans dir for extension_*.json files and recreates each
// extension found.
func (m *Manager) LoadConfigs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("cannot open config directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "extension_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if err != nil {
			m.log.Warnf("cannot read extension config %s: %v", path, err)
			continue
		}
		var cfg Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			m.log.Errorf("failed to parse extension config %s: %v", path, err)
			continue
		}
		cfg.Type = ParseType(string(cfg.Type))
		if _, err := m.Create(cfg); err != nil {
			m.log.Errorf("failed to recreate extension from %s: %v", path, err)
		}
	}
	return nil
}
