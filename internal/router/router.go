// Package router implements the MAVLink router instance: the event loop,
// the endpoint registry, routing with per-endpoint filters, frame
// de-duplication and the graceful-shutdown protocol. Every instance is an
// owned, local value passed explicitly to the goroutine that runs it —
// there is no singleton and no ambient instance.
package router

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mavrouter/config"
	"mavrouter/internal/dedup"
	"mavrouter/internal/mavlink"
	"mavrouter/internal/stats"
	"mavrouter/logger"
)

// ErrBusy reports an Open call on an already-open router.
var ErrBusy = errors.New("router already open")

// Exit codes returned by Loop.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// readyWaitTimeout bounds every blocking wait of the event loop. It is the
// upper bound on how long an exit request can go unobserved.
const readyWaitTimeout = 100 * time.Millisecond

const aggregateLogInterval = 5 * time.Second

type event interface{}

type frameEvent struct {
	ep    Endpoint
	frame *mavlink.Frame
}

type hangupEvent struct {
	ep  Endpoint
	err error
}

type acceptEvent struct {
	conn net.Conn
}

type timerEvent struct {
	t *Timeout
}

// Router is one router instance. It owns its endpoints, its dedup cache,
// its timeouts and its exit flag; stopping one instance never affects
// another.
type Router struct {
	name string
	log  *zap.SugaredLogger

	events chan event
	done   chan struct{}
	opened bool

	epMu      sync.RWMutex
	endpoints []Endpoint

	listener net.Listener

	timeouts []*Timeout

	dedupCache *dedup.Cache

	shouldExit atomic.Bool
	retcode    atomic.Int32

	shouldProcessTCPHangups bool

	snifferSysID byte
	msgToUnknown uint32

	trackMu sync.Mutex
	tracked map[io.Closer]string
}

// New creates a closed router instance.
func New(name string) *Router {
	return &Router{
		name:       name,
		log:        logger.Named("router." + name),
		dedupCache: dedup.New(0),
		tracked:    make(map[io.Closer]string),
	}
}

// Open allocates the event channel the loop multiplexes on.
// It fails with ErrBusy when the router is already open.
func (r *Router) Open() error {
	if r.opened {
		return ErrBusy
	}
	r.events = make(chan event, 1024)
	r.done = make(chan struct{})
	r.opened = true
	r.retcode.Store(ExitFailure)
	return nil
}

// RequestExit asks this instance's loop to return retcode. It only ever
// affects the instance it is called on.
func (r *Router) RequestExit(retcode int) {
	r.retcode.Store(int32(retcode))
	r.shouldExit.Store(true)
	r.log.Infof("exit requested (retcode=%d)", retcode)
}

// deliver hands an event to the loop, giving up when the router shuts down.
func (r *Router) deliver(ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-r.done:
		return false
	}
}

// Track records an open handle with a description so teardown can
// force-close whatever was left behind.
func (r *Router) Track(c io.Closer, description string) {
	if c == nil {
		return
	}
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	r.tracked[c] = description
	r.log.Debugf("tracked handle: %s", description)
}

// Untrack removes a handle from the tracked map, typically right before a
// deliberate close.
func (r *Router) Untrack(c io.Closer) {
	if c == nil {
		return
	}
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	delete(r.tracked, c)
}

// forceCloseTracked closes every handle still in the tracked map.
func (r *Router) forceCloseTracked() {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	if len(r.tracked) > 0 {
		r.log.Infof("force closing %d tracked handles", len(r.tracked))
	}
	for c, desc := range r.tracked {
		if err := c.Close(); err != nil {
			r.log.Debugf("closing %s: %v", desc, err)
		}
	}
	r.tracked = make(map[io.Closer]string)
}

// TrackedHandleCount reports how many handles are currently tracked.
func (r *Router) TrackedHandleCount() int {
	r.trackMu.Lock()
	defer r.trackMu.Unlock()
	return len(r.tracked)
}

// AddEndpoints materialises every endpoint of the configuration and starts
// its I/O. Partial failure is fatal for the whole call; the caller is
// expected to tear the router down.
func (r *Router) AddEndpoints(cfg *config.Configuration) error {
	if !r.opened {
		return fmt.Errorf("router %s not open", r.name)
	}

	r.snifferSysID = cfg.SnifferSysID
	if r.snifferSysID != 0 {
		r.log.Infof("an endpoint with sysid %d on it will sniff all messages", r.snifferSysID)
	}
	if cfg.DedupPeriodMS > 0 {
		r.log.Infof("message de-duplication enabled: %d ms period", cfg.DedupPeriodMS)
		r.dedupCache.SetPeriod(time.Duration(cfg.DedupPeriodMS) * time.Millisecond)
	}

	for i := range cfg.UARTEndpoints {
		uart := newUARTEndpoint(&cfg.UARTEndpoints[i])
		if err := uart.setup(r); err != nil {
			return fmt.Errorf("uart endpoint %s: %w", uart.Name(), err)
		}
		r.appendEndpoint(uart)
	}
	for i := range cfg.UDPEndpoints {
		udp := newUDPEndpoint(&cfg.UDPEndpoints[i])
		if err := udp.setup(r); err != nil {
			return fmt.Errorf("udp endpoint %s: %w", udp.Name(), err)
		}
		r.appendEndpoint(udp)
	}
	for i := range cfg.TCPEndpoints {
		tcp := newTCPEndpoint(&cfg.TCPEndpoints[i])
		if err := tcp.setup(r); err != nil {
			return fmt.Errorf("tcp endpoint %s: %w", tcp.Name(), err)
		}
		r.appendEndpoint(tcp)
	}

	r.linkGroups()

	if cfg.TCPServerPort != 0 {
		if err := r.openTCPServer(cfg.TCPServerPort); err != nil {
			return err
		}
	}

	if cfg.ReportStats {
		r.AddTimeout(time.Second, func() bool {
			r.printStatistics()
			return true
		})
	}

	r.log.Infof("endpoint setup complete: %d endpoints", r.EndpointCount())
	return nil
}

func (r *Router) appendEndpoint(e Endpoint) {
	r.epMu.Lock()
	defer r.epMu.Unlock()
	r.endpoints = append(r.endpoints, e)
}

// linkGroups wires endpoints sharing a group tag to each other, stored as
// peer references so a frame whose source was seen behind one member is
// not routed to the other members.
func (r *Router) linkGroups() {
	r.epMu.Lock()
	defer r.epMu.Unlock()
	for _, e := range r.endpoints {
		if e.GroupName() == "" {
			continue
		}
		for _, other := range r.endpoints {
			if other != e && other.GroupName() == e.GroupName() {
				e.linkGroupMember(other)
			}
		}
	}
}

func (r *Router) openTCPServer(port uint16) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("tcp server: %w", err)
	}
	r.listener = ln
	r.Track(ln, "TCP_SERVER")
	r.log.Infof("opened TCP server on [::]:%d", port)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if !r.deliver(acceptEvent{conn: conn}) {
				conn.Close()
				return
			}
		}
	}()
	return nil
}

// Loop runs the ready-wait cycle until RequestExit is called, then tears
// the instance down and returns the requested exit code. Exit requests are
// observed within one ready-wait timeout.
func (r *Router) Loop() int {
	if !r.opened {
		return ExitFailure
	}

	r.AddTimeout(aggregateLogInterval, r.logAggregate)

	ticker := time.NewTicker(readyWaitTimeout)
	defer ticker.Stop()

	for !r.shouldExit.Load() {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case <-ticker.C:
		}

		if r.shouldProcessTCPHangups {
			r.processTCPHangups()
		}
		r.sweepTimeouts()
	}

	r.teardown()
	return int(r.retcode.Load())
}

func (r *Router) dispatch(ev event) {
	switch e := ev.(type) {
	case frameEvent:
		if r.dedupCheck(e.frame) == dedup.PacketDuplicate {
			e.ep.Stats().Deduplicated.Add(1)
			return
		}
		r.routeMsg(e.frame)

	case hangupEvent:
		if e.err != nil {
			r.log.Debugf("endpoint %s hangup: %v", e.ep.Name(), e.err)
		}
		if e.ep.IsCritical() {
			r.log.Errorf("critical endpoint %s failed, exiting", e.ep.Name())
			r.RequestExit(ExitFailure)
			return
		}
		r.shouldProcessTCPHangups = true

	case acceptEvent:
		r.handleTCPConnection(e.conn)

	case timerEvent:
		if !e.t.removed.Load() && !e.t.callback() {
			e.t.removed.Store(true)
		}
	}
}

// dedupCheck runs the frame through this instance's cache.
func (r *Router) dedupCheck(f *mavlink.Frame) dedup.PacketStatus {
	return r.dedupCache.CheckPacket(f.Raw)
}

// routeMsg offers the frame to every endpoint and writes it to each one
// that accepts. A frame nobody accepted or filtered counts as addressed to
// an unknown destination.
func (r *Router) routeMsg(f *mavlink.Frame) {
	unknown := true

	r.epMu.RLock()
	endpoints := r.endpoints
	r.epMu.RUnlock()

	for _, e := range endpoints {
		switch e.AcceptMsg(f) {
		case Accepted:
			logger.Tracef("endpoint %s accepted %s", e.Name(), f)
			e.Stats().Accepted.Add(1)
			if err := r.writeMsg(e, f); errors.Is(err, ErrPeerGone) {
				r.shouldProcessTCPHangups = true
			}
			unknown = false
		case Filtered:
			logger.Tracef("endpoint %s filtered out %s", e.Name(), f)
			unknown = false
		case Rejected:
			e.Stats().Rejected.Add(1)
		}
	}

	if unknown {
		r.msgToUnknown++
		logger.Tracef("message to unknown destination: %s", f)
	}
}

// writeMsg submits a frame to an endpoint. A full queue is flow control and
// the endpoint drains on its own; a gone peer schedules the hangup sweep.
func (r *Router) writeMsg(e Endpoint, f *mavlink.Frame) error {
	err := e.WriteMsg(f)
	if errors.Is(err, ErrWouldBlock) {
		logger.Tracef("endpoint %s would block", e.Name())
		return nil
	}
	return err
}

// handleTCPConnection wraps an accepted socket into a dynamic endpoint.
func (r *Router) handleTCPConnection(conn net.Conn) {
	e := newAcceptedTCPEndpoint(conn)
	if err := e.setup(r); err != nil {
		r.log.Errorf("could not accept TCP connection: %v", err)
		conn.Close()
		return
	}
	r.appendEndpoint(e)
	r.log.Debugf("TCP server: new client %s as %s", conn.RemoteAddr(), e.Name())
}

// processTCPHangups removes invalid endpoints whose retry policy is
// exhausted. UART and UDP endpoints reconnect on their own and stay.
func (r *Router) processTCPHangups() {
	r.epMu.Lock()
	kept := r.endpoints[:0]
	var removed []Endpoint
	for _, e := range r.endpoints {
		if !e.IsValid() && !e.ShouldRetry() {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	r.endpoints = kept
	r.epMu.Unlock()

	for _, e := range removed {
		r.log.Infof("removing endpoint %s (no retry)", e.Name())
		e.close()
	}
	r.shouldProcessTCPHangups = false
}

// logAggregate is the periodic timeout reporting routed-to-nobody counts
// and refreshing per-endpoint statistics.
func (r *Router) logAggregate() bool {
	if r.msgToUnknown > 0 {
		r.log.Warnf("%d messages to unknown endpoints in the last %s",
			r.msgToUnknown, aggregateLogInterval)
		r.msgToUnknown = 0
	}

	r.epMu.RLock()
	defer r.epMu.RUnlock()
	for _, e := range r.endpoints {
		e.Stats().RefreshPeriodic()
	}
	return true
}

func (r *Router) printStatistics() {
	r.epMu.RLock()
	defer r.epMu.RUnlock()
	for _, e := range r.endpoints {
		r.log.Infof("%s", e.Stats().Summary())
	}
}

// teardown closes every endpoint, stops timeouts and force-closes whatever
// handle is still tracked. It runs exactly once, at the end of Loop or via
// Teardown for a router whose loop never ran.
func (r *Router) teardown() {
	close(r.done)

	r.epMu.Lock()
	endpoints := r.endpoints
	r.endpoints = nil
	r.epMu.Unlock()

	for _, e := range endpoints {
		e.close()
	}

	if r.listener != nil {
		r.Untrack(r.listener)
		r.listener.Close()
		r.listener = nil
	}

	for _, t := range r.timeouts {
		t.stopTicker()
	}
	r.timeouts = nil

	r.forceCloseTracked()
	r.opened = false
	r.log.Infof("router %s torn down", r.name)
}

// Teardown releases a router that was opened but whose Loop will never
// run, e.g. after AddEndpoints failed half-way.
func (r *Router) Teardown() {
	if !r.opened {
		return
	}
	r.teardown()
}

// EndpointCount returns the number of live endpoints.
func (r *Router) EndpointCount() int {
	r.epMu.RLock()
	defer r.epMu.RUnlock()
	return len(r.endpoints)
}

// Snapshots captures statistics for every endpoint; safe from any thread.
func (r *Router) Snapshots() []stats.EndpointSnapshot {
	r.epMu.RLock()
	defer r.epMu.RUnlock()
	out := make([]stats.EndpointSnapshot, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e.Stats().Snapshot())
	}
	return out
}
