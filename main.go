package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mavrouter/config"
	"mavrouter/internal/controller"
	"mavrouter/internal/extension"
	"mavrouter/internal/router"
	"mavrouter/internal/stats"
	"mavrouter/internal/threadmgr"
	"mavrouter/logger"
	"mavrouter/web"
)

const version = "2.0.0"

const (
	defaultConfFile = "/etc/mavrouter/main.conf"
	defaultConfDir  = "/etc/mavrouter/config.d"
)

// stringList collects repeatable flags (-e, -p).
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type cliOptions struct {
	confFile     string
	confDir      string
	jsonConfFile string
	statsConf    string
	httpConf     string
	extConfDir   string
	tcpPort      int
	reportStats  bool
	logLevel     string
	verbose      bool
	showVersion  bool
	snifferSysID int
	udpEndpoints stringList
	tcpEndpoints stringList
}

func parseFlags() (*cliOptions, []string) {
	opts := &cliOptions{tcpPort: -1, snifferSysID: -1}

	flag.StringVar(&opts.confFile, "c", "", "Path to configuration file")
	flag.StringVar(&opts.confDir, "d", "", "Directory with .conf files overriding the default conf file")
	flag.StringVar(&opts.jsonConfFile, "j", "", "JSON file with router configuration")
	flag.StringVar(&opts.statsConf, "S", "", "YAML file with statistics configuration")
	flag.StringVar(&opts.httpConf, "H", "", "YAML file with HTTP server configuration")
	flag.StringVar(&opts.extConfDir, "x", "", "Directory for extension configurations")
	flag.IntVar(&opts.tcpPort, "t", -1, "Port for the TCP server (0 disables listening)")
	flag.BoolVar(&opts.reportStats, "r", false, "Report message statistics")
	flag.StringVar(&opts.logLevel, "g", "", "Log level: error, warning, info, debug, trace")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose, same as -g debug")
	flag.BoolVar(&opts.showVersion, "V", false, "Show version and exit")
	flag.IntVar(&opts.snifferSysID, "s", -1, "Sysid that all messages are sent to")
	flag.Var(&opts.udpEndpoints, "e", "Add UDP client endpoint <ip>[:<port>] (repeatable)")
	flag.Var(&opts.tcpEndpoints, "p", "Add TCP client endpoint <ip>:<port> (repeatable)")
	flag.Parse()

	return opts, flag.Args()
}

func splitOnLastColon(s string) (string, int, bool) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, -1, true
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return s[:idx], port, true
}

// applyCLIEndpoints folds -e, -p and positional endpoint arguments into
// the configuration, overriding conf files.
func applyCLIEndpoints(opts *cliOptions, positional []string, cfg *config.Configuration) error {
	for _, arg := range opts.udpEndpoints {
		host, port, ok := splitOnLastColon(arg)
		if !ok {
			return fmt.Errorf("invalid port in argument: %s", arg)
		}
		udp := config.UDPEndpointConfig{Name: "CLI", Address: host, Mode: config.UDPModeClient}
		if port >= 0 {
			udp.Port = uint16(port)
		} else {
			udp.Port = cfg.FindNextUDPPort(host)
		}
		if err := udp.Validate(); err != nil {
			return err
		}
		cfg.UDPEndpoints = append(cfg.UDPEndpoints, udp)
	}

	for _, arg := range opts.tcpEndpoints {
		host, port, ok := splitOnLastColon(arg)
		if !ok || port < 0 {
			return fmt.Errorf("missing or invalid port in argument: %s", arg)
		}
		tcp := config.TCPEndpointConfig{Name: "CLI", Address: host, Port: uint16(port)}
		if err := tcp.Validate(); err != nil {
			return err
		}
		cfg.TCPEndpoints = append(cfg.TCPEndpoints, tcp)
	}

	// Positional arguments: <device>[:<baud>] for a character device,
	// <ip>:<port> for a UDP server endpoint.
	for _, arg := range positional {
		base, number, ok := splitOnLastColon(arg)
		if !ok {
			return fmt.Errorf("invalid argument %s", arg)
		}

		if info, err := os.Stat(base); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			uart := config.UARTEndpointConfig{Name: "CLI", Device: base}
			if number > 0 {
				uart.Baudrates = []int{number}
			} else {
				uart.Baudrates = []int{config.DefaultBaudrate}
			}
			if err := uart.Validate(); err != nil {
				return err
			}
			cfg.UARTEndpoints = append(cfg.UARTEndpoints, uart)
			continue
		}

		if number <= 0 {
			return fmt.Errorf("invalid UDP port in argument %s", arg)
		}
		udp := config.UDPEndpointConfig{
			Name:    "CLI",
			Address: base,
			Port:    uint16(number),
			Mode:    config.UDPModeServer,
		}
		if err := udp.Validate(); err != nil {
			return err
		}
		cfg.UDPEndpoints = append(cfg.UDPEndpoints, udp)
	}

	return nil
}

func buildConfiguration(opts *cliOptions, positional []string) (*config.Configuration, error) {
	cfg := config.New()

	confFile := opts.confFile
	if confFile == "" {
		confFile = os.Getenv("MAVROUTER_CONF_FILE")
	}
	if confFile == "" {
		confFile = defaultConfFile
	}
	confDir := opts.confDir
	if confDir == "" {
		confDir = os.Getenv("MAVROUTER_CONF_DIR")
	}
	if confDir == "" {
		confDir = defaultConfDir
	}

	if err := config.LoadConfFiles(confFile, confDir, cfg); err != nil {
		return nil, err
	}

	if opts.jsonConfFile != "" {
		if err := config.LoadJSON(opts.jsonConfFile, cfg); err != nil {
			return nil, err
		}
	}

	// CLI flags override the conf files.
	if opts.tcpPort >= 0 {
		cfg.TCPServerPort = uint16(opts.tcpPort)
	}
	if opts.reportStats {
		cfg.ReportStats = true
	}
	if opts.logLevel != "" {
		cfg.DebugLogLevel = opts.logLevel
	}
	if opts.verbose {
		cfg.DebugLogLevel = "debug"
	}
	if opts.snifferSysID >= 0 {
		if opts.snifferSysID == 0 || opts.snifferSysID > 255 {
			return nil, fmt.Errorf("invalid sniffer sysid %d", opts.snifferSysID)
		}
		cfg.SnifferSysID = uint8(opts.snifferSysID)
	}
	if opts.extConfDir != "" {
		cfg.ExtensionConfDir = opts.extConfDir
	}
	if opts.statsConf != "" {
		cfg.StatsConfFile = opts.statsConf
	}
	if opts.httpConf != "" {
		cfg.HTTPConfFile = opts.httpConf
	}

	if err := applyCLIEndpoints(opts, positional, cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

func main() {
	opts, positional := parseFlags()

	if opts.showVersion {
		fmt.Printf("mavrouter version %s\n", version)
		return
	}

	cfg, err := buildConfiguration(opts, positional)
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	if !logger.SetLevelFromString(cfg.DebugLogLevel) {
		logger.Fatalf("invalid log level %q", cfg.DebugLogLevel)
	}
	logger.Infof("mavrouter version %s (log level: %s)", version, logger.GetLevelString())

	// Statistics config precedence: defaults < JSON conf's statistics
	// section < the dedicated -S YAML file.
	statsCfg := stats.DefaultConfig()
	if cfg.Statistics != nil {
		statsCfg = cfg.Statistics
	}
	if cfg.StatsConfFile != "" {
		statsCfg, err = stats.LoadConfig(cfg.StatsConfFile)
		if err != nil {
			logger.Fatalf("loading statistics configuration: %v", err)
		}
	}

	webCfg := web.DefaultConfig()
	if cfg.HTTPConfFile != "" {
		webCfg, err = web.LoadConfig(cfg.HTTPConfFile)
		if err != nil {
			logger.Fatalf("loading http configuration: %v", err)
		}
	}

	tm := threadmgr.New()
	ctl := controller.New(tm)

	extManager := extension.NewManager(tm)
	extManager.SetGlobalConfig(cfg)
	if cfg.ExtensionConfDir != "" {
		extManager.SetConfDir(cfg.ExtensionConfDir)
	}

	// The primary router instance currently owned by the mainloop thread.
	// The controller resolves stop requests through this pointer so they
	// reach exactly that instance.
	var primaryRouter atomic.Pointer[router.Router]
	var loadExtensionsOnce sync.Once

	mainloopCallback := func() uint32 {
		id := tm.CreateThread(func(h *threadmgr.Handle) {
			inst := router.New("primary")
			primaryRouter.Store(inst)

			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("mainloop: panic: %v", r)
				}
				inst.Teardown()
				primaryRouter.CompareAndSwap(inst, nil)
			}()

			if err := inst.Open(); err != nil {
				logger.Errorf("mainloop: open failed: %v", err)
				return
			}
			if err := inst.AddEndpoints(cfg); err != nil {
				logger.Errorf("mainloop: adding endpoints failed: %v", err)
				return
			}
			ret := inst.Loop()
			logger.Infof("mainloop: event loop exited with code %d", ret)
		})

		ctl.RegisterThread(controller.ThreadMainloop, id, controller.ThreadMainloop)

		// Persisted extensions come up together with the first mainloop.
		if cfg.ExtensionConfDir != "" {
			loadExtensionsOnce.Do(func() {
				if err := extManager.LoadConfigs(cfg.ExtensionConfDir); err != nil {
					logger.Warnf("loading extension configs: %v", err)
				}
			})
		}

		return id
	}

	// The mainloop does not start automatically; the first start command
	// through the management plane launches it.
	ctl.RegisterRestartCallback(controller.ThreadMainloop, mainloopCallback)
	ctl.RegisterInstanceProvider(controller.ThreadMainloop, func() controller.ExitRequester {
		if inst := primaryRouter.Load(); inst != nil {
			return inst
		}
		return nil
	})
	logger.Infof("mainloop will start when requested via POST /api/threads/mainloop/start")

	snapshots := func() []stats.EndpointSnapshot {
		if inst := primaryRouter.Load(); inst != nil {
			return inst.Snapshots()
		}
		return nil
	}

	statisticsCallback := func() uint32 {
		id := tm.CreateThread(func(h *threadmgr.Handle) {
			runStatisticsWorker(h, statsCfg, snapshots)
		})
		ctl.RegisterThread(controller.ThreadStatistics, id, controller.ThreadStatistics)
		return id
	}
	ctl.RegisterRestartCallback(controller.ThreadStatistics, statisticsCallback)
	if cfg.ReportStats || statsCfg.EnableJSONOutput {
		statisticsCallback()
	}

	server := web.NewServer(webCfg, ctl, extManager)
	server.SetStatsProvider(snapshots)

	httpID := tm.CreateThread(server.Run)
	ctl.RegisterThread(controller.ThreadHTTPServer, httpID, controller.ThreadHTTPServer)

	// Block until the HTTP server thread exits; the management plane is
	// the process's lifeline.
	for tm.IsAlive(httpID) {
		time.Sleep(time.Second)
	}

	state, _ := tm.GetState(httpID)
	if state == threadmgr.StateError {
		logger.Errorf("http server thread failed")
		os.Exit(1)
	}
	logger.Infof("http server stopped, exiting")
}

// runStatisticsWorker periodically logs per-endpoint summaries and,
// when configured, writes JSON snapshots to a file.
func runStatisticsWorker(h *threadmgr.Handle, cfg *stats.Config, snapshots func() []stats.EndpointSnapshot) {
	log := logger.Named("statistics")
	reportEvery := time.Duration(cfg.ReportIntervalMS) * time.Millisecond
	writeEvery := time.Duration(cfg.JSONWriteIntervalMS) * time.Millisecond

	lastReport := time.Now()
	lastWrite := time.Now()

	for !h.Stopping() {
		h.WaitIfPaused()
		time.Sleep(100 * time.Millisecond)

		now := time.Now()
		if now.Sub(lastReport) >= reportEvery {
			lastReport = now
			for _, snap := range snapshots() {
				log.Infof("%s: rx %d msgs (%.1f msg/s), tx %d msgs, lost %d",
					snap.Name, snap.RxMessages, snap.MessageRate, snap.TxMessages, snap.MessagesLost)
			}
		}

		if cfg.EnableJSONOutput && now.Sub(lastWrite) >= writeEvery {
			lastWrite = now
			if err := stats.WriteSnapshotFile(cfg.JSONOutputPath, snapshots()); err != nil {
				log.Warnf("writing stats snapshot: %v", err)
			}
		}
	}
}
