package router

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"mavrouter/config"
	"mavrouter/internal/mavlink"
	"mavrouter/internal/stats"
)

// UDPEndpoint is a datagram endpoint in client or server mode. In client
// mode the peer is known up front; in server mode it is learned from the
// first inbound datagram.
type UDPEndpoint struct {
	baseEndpoint
	cfg  *config.UDPEndpointConfig
	conn io.ReadWriteCloser
}

func newUDPEndpoint(cfg *config.UDPEndpointConfig) *UDPEndpoint {
	return &UDPEndpoint{
		baseEndpoint: newBaseEndpoint(cfg.Name, "udp", cfg.Group, cfg.Filter),
		cfg:          cfg,
	}
}

func (e *UDPEndpoint) setup(r *Router) error {
	e.router = r
	e.st.InitUDP()

	hostport := net.JoinHostPort(e.cfg.Address, strconv.Itoa(int(e.cfg.Port)))

	switch e.cfg.Mode {
	case config.UDPModeClient:
		raddr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", hostport, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", hostport, err)
		}
		e.conn = conn

	case config.UDPModeServer:
		laddr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", hostport, err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", hostport, err)
		}
		e.conn = &udpServerConn{conn: conn, st: e.st}
	}

	r.Track(e.conn, "UDP:"+e.name)
	e.setState(StateConnected)
	return e.start(r)
}

func (e *UDPEndpoint) start(r *Router) error {
	go func() {
		for {
			err := e.readLoop(e, e.conn)
			if err == nil {
				return
			}
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient errors leave the endpoint healthy; unreachable
			// peers surface here as ICMP-signalled errnos.
			e.countSocketError(err)
		}
	}()

	go func() {
		for {
			err := e.writeLoop(udpWriter{e: e}, r.done)
			if err == nil {
				return
			}
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.countSocketError(err)
		}
	}()

	return nil
}

// WriteMsg queues the frame for transmission.
func (e *UDPEndpoint) WriteMsg(f *mavlink.Frame) error {
	return e.enqueue(f.Raw)
}

// AcceptMsg applies the shared routing policy.
func (e *UDPEndpoint) AcceptMsg(f *mavlink.Frame) AcceptState {
	return e.acceptMsg(f, e.router.snifferSysID)
}

func (e *UDPEndpoint) close() error {
	e.router.Untrack(e.conn)
	return e.conn.Close()
}

// countSocketError separates ICMP-signalled errors (port or host
// unreachable reported on a connected socket) from other socket errors.
func (e *UDPEndpoint) countSocketError(err error) {
	if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) {
		e.st.UDP.ICMPErrors.Add(1)
		return
	}
	e.st.UDP.SocketErrors.Add(1)
}

// udpWriter swallows transient datagram write errors so the drain loop
// keeps running; only a closed socket terminates it.
type udpWriter struct {
	e *UDPEndpoint
}

func (w udpWriter) Write(p []byte) (int, error) {
	n, err := w.e.conn.Write(p)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return n, err
		}
		w.e.countSocketError(err)
		return len(p), nil
	}
	return n, nil
}

// udpServerConn adapts a bound UDP socket: reads learn the peer address,
// writes target the learned peer and are dropped (and counted) until one
// is known.
type udpServerConn struct {
	conn *net.UDPConn
	st   *stats.Endpoint

	mu   sync.Mutex
	peer *net.UDPAddr
}

func (c *udpServerConn) Read(p []byte) (int, error) {
	n, addr, err := c.conn.ReadFromUDP(p)
	if err != nil {
		return n, err
	}

	c.mu.Lock()
	if c.peer == nil {
		c.peer = addr
	} else if !c.peer.IP.Equal(addr.IP) || c.peer.Port != addr.Port {
		c.peer = addr
		c.st.UDP.AddressChanges.Add(1)
	}
	c.mu.Unlock()

	return n, nil
}

func (c *udpServerConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()

	if peer == nil {
		c.st.UDP.DroppedNoPeer.Add(1)
		return len(p), nil
	}
	return c.conn.WriteToUDP(p, peer)
}

func (c *udpServerConn) Close() error {
	return c.conn.Close()
}
