package router

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"mavrouter/config"
	"mavrouter/internal/mavlink"
)

const (
	tcpDialTimeout     = 5 * time.Second
	tcpKeepalivePeriod = 30 * time.Second
)

// TCPEndpoint is either an outgoing client connection with an optional
// retry loop, or a connection accepted by the router's TCP server. Accepted
// endpoints never retry; their lifetime ends with the peer.
type TCPEndpoint struct {
	baseEndpoint
	address  string
	port     uint16
	retry    time.Duration
	accepted bool

	connMu sync.Mutex
	conn   net.Conn
}

func newTCPEndpoint(cfg *config.TCPEndpointConfig) *TCPEndpoint {
	return &TCPEndpoint{
		baseEndpoint: newBaseEndpoint(cfg.Name, "tcp", cfg.Group, cfg.Filter),
		address:      cfg.Address,
		port:         cfg.Port,
		retry:        time.Duration(cfg.RetryMS) * time.Millisecond,
	}
}

func newAcceptedTCPEndpoint(conn net.Conn) *TCPEndpoint {
	name := "dynamic-" + uuid.NewString()[:8]
	e := &TCPEndpoint{
		baseEndpoint: newBaseEndpoint(name, "tcp", "", config.FilterConfig{}),
		accepted:     true,
		conn:         conn,
	}
	return e
}

// ShouldRetry reports whether this endpoint reconnects on its own.
// Accepted connections and clients with a zero retry interval do not, so
// the hangup sweep prunes them once invalid.
func (e *TCPEndpoint) ShouldRetry() bool {
	return !e.accepted && e.retry > 0
}

func (e *TCPEndpoint) setup(r *Router) error {
	e.router = r
	e.st.InitTCP()

	if e.accepted {
		r.Track(e.conn, "TCP:"+e.name)
		e.enableKeepalive(e.conn)
		e.setState(StateConnected)
		e.st.TCP.OnConnect(time.Now())
		go e.runAccepted(e.conn)
		return nil
	}

	go e.runClient()
	return nil
}

// runAccepted serves one accepted connection until it drops.
func (e *TCPEndpoint) runAccepted(conn net.Conn) {
	err := e.runSession(conn)
	e.router.Untrack(conn)
	e.st.TCP.OnDisconnect()
	e.classifyDisconnect(err)
	e.setState(StateBroken)
	e.router.deliver(hangupEvent{ep: e, err: err})
}

// runClient dials the peer, serves the connection and retries per policy.
func (e *TCPEndpoint) runClient() {
	hostport := net.JoinHostPort(e.address, strconv.Itoa(int(e.port)))

	for {
		conn, err := net.DialTimeout("tcp", hostport, tcpDialTimeout)
		if err != nil {
			if !e.retryOrGiveUp(err) {
				return
			}
			continue
		}

		e.setConn(conn)
		e.router.Track(conn, "TCP:"+e.name)
		e.enableKeepalive(conn)
		e.setState(StateConnected)
		e.st.TCP.OnConnect(time.Now())
		e.router.log.Infof("tcp endpoint %s connected to %s", e.name, hostport)

		err = e.runSession(conn)
		e.router.Untrack(conn)
		e.setConn(nil)
		e.st.TCP.OnDisconnect()
		e.classifyDisconnect(err)

		select {
		case <-e.router.done:
			return
		default:
		}

		if !e.retryOrGiveUp(err) {
			return
		}
	}
}

// retryOrGiveUp waits one retry interval, or marks the endpoint broken
// when retrying is disabled. It returns false when the client loop must
// stop.
func (e *TCPEndpoint) retryOrGiveUp(cause error) bool {
	if e.retry == 0 {
		e.setState(StateBroken)
		e.router.deliver(hangupEvent{ep: e, err: cause})
		return false
	}

	e.st.TCP.RetryAttempts.Add(1)
	e.setState(StateOpening)

	select {
	case <-time.After(e.retry):
		return true
	case <-e.router.done:
		return false
	}
}

// runSession runs the read and write sides of one connection and returns
// the error that ended it.
func (e *TCPEndpoint) runSession(conn net.Conn) error {
	sessionDone := make(chan struct{})
	errCh := make(chan error, 2)

	go func() { errCh <- e.readLoop(e, conn) }()
	go func() { errCh <- e.writeLoop(conn, sessionDone) }()

	err := <-errCh
	close(sessionDone)
	e.sampleRetransmissions(conn)
	conn.Close()
	<-errCh
	return err
}

// enableKeepalive turns on kernel keepalive probing; the enable outcome
// is the first keepalive result recorded for the connection.
func (e *TCPEndpoint) enableKeepalive(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		e.st.TCP.KeepaliveFailures.Add(1)
		return
	}
	if err := tcpConn.SetKeepAlivePeriod(tcpKeepalivePeriod); err != nil {
		e.st.TCP.KeepaliveFailures.Add(1)
		return
	}
	e.st.TCP.KeepaliveSuccesses.Add(1)
}

// sampleRetransmissions reads the kernel's retransmit total for the
// connection before it is closed.
func (e *TCPEndpoint) sampleRetransmissions(conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	raw.Control(func(fd uintptr) {
		info, err := unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
		if err == nil {
			e.st.TCP.Retransmissions.Add(info.Total_retrans)
		}
	})
}

func (e *TCPEndpoint) classifyDisconnect(err error) {
	switch {
	case err == nil, errors.Is(err, net.ErrClosed):
	case errors.Is(err, io.EOF):
		e.st.TCP.GracefulDisconnections.Add(1)
	case errors.Is(err, unix.ETIMEDOUT):
		// keepalive probing gave the peer up
		e.st.TCP.KeepaliveFailures.Add(1)
		e.st.TCP.UnexpectedDisconnections.Add(1)
	default:
		e.st.TCP.UnexpectedDisconnections.Add(1)
	}
}

func (e *TCPEndpoint) setConn(conn net.Conn) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conn = conn
}

// WriteMsg queues the frame. A broken endpoint reports ErrPeerGone so the
// router schedules the hangup sweep.
func (e *TCPEndpoint) WriteMsg(f *mavlink.Frame) error {
	return e.enqueue(f.Raw)
}

// AcceptMsg applies the shared routing policy.
func (e *TCPEndpoint) AcceptMsg(f *mavlink.Frame) AcceptState {
	return e.acceptMsg(f, e.router.snifferSysID)
}

func (e *TCPEndpoint) close() error {
	e.connMu.Lock()
	conn := e.conn
	e.conn = nil
	e.connMu.Unlock()

	if conn != nil {
		e.router.Untrack(conn)
		return conn.Close()
	}
	return nil
}

func (e *TCPEndpoint) String() string {
	return fmt.Sprintf("tcp endpoint %s (%s:%d)", e.name, e.address, e.port)
}
