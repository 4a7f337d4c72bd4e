package router

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.bug.st/serial"

	"mavrouter/config"
	"mavrouter/internal/mavlink"
)

const autoBaudInterval = 5 * time.Second

// UARTEndpoint is a serial endpoint. When several candidate baudrates are
// configured it rotates through them until valid frames arrive; hardware
// errors trigger a close-and-reopen recovery with backoff that preserves
// the baudrate-scan position.
type UARTEndpoint struct {
	baseEndpoint
	device      string
	baudrates   []int
	flowControl bool

	baudIdx int // guarded by mu together with port
	port    serial.Port

	lastRxCount uint64
}

func newUARTEndpoint(cfg *config.UARTEndpointConfig) *UARTEndpoint {
	return &UARTEndpoint{
		baseEndpoint: newBaseEndpoint(cfg.Name, "uart", cfg.Group, cfg.Filter),
		device:       cfg.Device,
		baudrates:    cfg.Baudrates,
		flowControl:  cfg.FlowControl,
	}
}

func (e *UARTEndpoint) setup(r *Router) error {
	e.router = r
	uartStats := e.st.InitUART()

	port, err := e.openPort(e.baudrates[0])
	if err != nil {
		return err
	}
	e.port = port
	uartStats.CurrentBaudrate.Store(int64(e.baudrates[0]))

	r.Track(port, "UART:"+e.name)
	e.setState(StateConnected)

	if len(e.baudrates) > 1 {
		r.AddTimeout(autoBaudInterval, e.autoBaudScan)
	}

	go e.runReader()
	go func() {
		// uartWriter contains every transient failure, so only router
		// shutdown ends the drain loop.
		_ = e.writeLoop(uartWriter{e: e}, r.done)
	}()

	return nil
}

func (e *UARTEndpoint) openPort(baudrate int) (serial.Port, error) {
	port, err := serial.Open(e.device, &serial.Mode{BaudRate: baudrate})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", e.device, err)
	}
	if e.flowControl {
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return nil, fmt.Errorf("enabling RTS on %s: %w", e.device, err)
		}
	}
	return port, nil
}

func (e *UARTEndpoint) currentPort() serial.Port {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.port
}

// runReader frames the device and recovers from hardware errors by
// reopening it after a backoff. The baudrate-scan position survives the
// reopen.
func (e *UARTEndpoint) runReader() {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
	}
	bo.Reset()

	for {
		port := e.currentPort()
		if port != nil {
			if err := e.readLoop(e, port); err == nil {
				return
			}
		}

		select {
		case <-e.router.done:
			return
		default:
		}

		e.st.UART.HardwareErrors.Add(1)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-e.router.done:
			return
		}

		if err := e.reopen(); err != nil {
			e.router.log.Warnf("uart endpoint %s: reopen failed: %v", e.name, err)
			continue
		}
		bo.Reset()
	}
}

func (e *UARTEndpoint) reopen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		e.router.Untrack(e.port)
		e.port.Close()
		e.port = nil
	}

	port, err := e.openPort(e.baudrates[e.baudIdx])
	if err != nil {
		return err
	}
	e.port = port
	e.router.Track(port, "UART:"+e.name)
	e.st.UART.DeviceReopens.Add(1)
	return nil
}

// autoBaudScan rotates to the next candidate baudrate when no frame
// arrived since the previous scan.
func (e *UARTEndpoint) autoBaudScan() bool {
	current := e.st.RxMessages.Load()
	if current != e.lastRxCount {
		e.lastRxCount = current
		return true
	}

	e.mu.Lock()
	e.baudIdx = (e.baudIdx + 1) % len(e.baudrates)
	baud := e.baudrates[e.baudIdx]
	port := e.port
	e.mu.Unlock()

	if port != nil {
		if err := port.SetMode(&serial.Mode{BaudRate: baud}); err != nil {
			e.router.log.Warnf("uart endpoint %s: baudrate change failed: %v", e.name, err)
			return true
		}
	}

	e.st.UART.CurrentBaudrate.Store(int64(baud))
	e.st.UART.BaudrateChanges.Add(1)
	e.router.log.Infof("uart endpoint %s: trying baudrate %d", e.name, baud)
	return true
}

// WriteMsg queues the frame for transmission.
func (e *UARTEndpoint) WriteMsg(f *mavlink.Frame) error {
	return e.enqueue(f.Raw)
}

// AcceptMsg applies the shared routing policy.
func (e *UARTEndpoint) AcceptMsg(f *mavlink.Frame) AcceptState {
	return e.acceptMsg(f, e.router.snifferSysID)
}

func (e *UARTEndpoint) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.port == nil {
		return nil
	}
	e.router.Untrack(e.port)
	err := e.port.Close()
	e.port = nil
	return err
}

// uartWriter writes to whatever port is currently open, counting failures
// instead of surfacing them; the reader side owns recovery.
type uartWriter struct {
	e *UARTEndpoint
}

func (w uartWriter) Write(p []byte) (int, error) {
	port := w.e.currentPort()
	if port == nil {
		return len(p), nil
	}
	if _, err := port.Write(p); err != nil {
		w.e.st.UART.HardwareErrors.Add(1)
	}
	return len(p), nil
}
