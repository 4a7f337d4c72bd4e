// Package stats collects per-endpoint counters and rolling windows.
// Scalar counters are atomics updated from the hot path; the rolling
// structures are guarded by short critical sections of their own.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// FilterKind names the dimension a frame was filtered on.
type FilterKind int

const (
	FilterMsgID FilterKind = iota
	FilterSrcSys
	FilterSrcComp
)

// RollingAverage keeps a fixed-size window of samples.
type RollingAverage struct {
	mu      sync.Mutex
	samples []float64
	window  int
	sum     float64
}

// NewRollingAverage creates a window of the given size.
func NewRollingAverage(window int) *RollingAverage {
	if window <= 0 {
		window = 10
	}
	return &RollingAverage{window: window}
}

// Add records a sample, evicting the oldest when the window is full.
func (r *RollingAverage) Add(value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == r.window {
		r.sum -= r.samples[0]
		r.samples = r.samples[1:]
	}
	r.samples = append(r.samples, value)
	r.sum += value
}

// Average returns the mean of the current window, 0 when empty.
func (r *RollingAverage) Average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return 0
	}
	return r.sum / float64(len(r.samples))
}

// Reset drops all samples.
func (r *RollingAverage) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = nil
	r.sum = 0
}

type rateEvent struct {
	at    time.Time
	count int
}

// RateCalculator computes events per second over a sliding window.
type RateCalculator struct {
	mu     sync.Mutex
	events []rateEvent
	window time.Duration
	now    func() time.Time
}

// NewRateCalculator creates a calculator over the given window.
func NewRateCalculator(window time.Duration) *RateCalculator {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &RateCalculator{window: window, now: time.Now}
}

// Add records count events at the current time.
func (r *RateCalculator) Add(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.trim(now)
	r.events = append(r.events, rateEvent{at: now, count: count})
}

// Rate returns events per second over the window.
func (r *RateCalculator) Rate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.trim(now)
	total := 0
	for _, e := range r.events {
		total += e.count
	}
	return float64(total) / r.window.Seconds()
}

func (r *RateCalculator) trim(now time.Time) {
	cut := 0
	for cut < len(r.events) && now.Sub(r.events[cut].at) > r.window {
		cut++
	}
	if cut > 0 {
		r.events = r.events[cut:]
	}
}

// UARTStats tracks serial-specific counters.
type UARTStats struct {
	CurrentBaudrate atomic.Int64
	BaudrateChanges atomic.Uint32
	HardwareErrors  atomic.Uint32
	DeviceReopens   atomic.Uint32
}

// UDPStats tracks datagram-specific counters.
type UDPStats struct {
	AddressChanges    atomic.Uint32
	SocketErrors      atomic.Uint32
	ICMPErrors        atomic.Uint32
	OutOfOrderPackets atomic.Uint32
	DroppedNoPeer     atomic.Uint32
}

// TCPStats tracks stream-specific counters.
type TCPStats struct {
	RetryAttempts            atomic.Uint32
	Retransmissions          atomic.Uint32
	KeepaliveSuccesses       atomic.Uint32
	KeepaliveFailures        atomic.Uint32
	GracefulDisconnections   atomic.Uint32
	UnexpectedDisconnections atomic.Uint32
	connectedSince           atomic.Int64 // unix nanos, 0 when disconnected
}

// OnConnect records the start of a connection.
func (t *TCPStats) OnConnect(now time.Time) {
	t.connectedSince.Store(now.UnixNano())
}

// OnDisconnect clears the connection start marker.
func (t *TCPStats) OnDisconnect() {
	t.connectedSince.Store(0)
}

// ConnectionDuration returns how long the current connection has been up.
func (t *TCPStats) ConnectionDuration(now time.Time) time.Duration {
	since := t.connectedSince.Load()
	if since == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, since))
}

// Endpoint aggregates every statistic tracked for one endpoint.
type Endpoint struct {
	Name    string
	created time.Time

	RxMessages atomic.Uint64
	RxBytes    atomic.Uint64
	TxMessages atomic.Uint64
	TxBytes    atomic.Uint64

	V1Count atomic.Uint32
	V2Count atomic.Uint32

	Malformed      atomic.Uint32
	BufferOverruns atomic.Uint32
	TimeoutErrors  atomic.Uint32
	MessagesLost   atomic.Uint32

	Accepted        atomic.Uint32
	Rejected        atomic.Uint32
	FilteredMsgID   atomic.Uint32
	FilteredSrcSys  atomic.Uint32
	FilteredSrcComp atomic.Uint32
	Deduplicated    atomic.Uint32
	GroupShared     atomic.Uint32

	msgRate  *RateCalculator
	byteRate *RateCalculator
	msgSize  *RollingAverage
	latency  *RollingAverage

	peakMu       sync.Mutex
	peakMsgRate  float64
	peakByteRate float64

	UART *UARTStats
	UDP  *UDPStats
	TCP  *TCPStats
}

// NewEndpoint creates the statistics container for one endpoint.
func NewEndpoint(name string) *Endpoint {
	return &Endpoint{
		Name:     name,
		created:  time.Now(),
		msgRate:  NewRateCalculator(5 * time.Second),
		byteRate: NewRateCalculator(5 * time.Second),
		msgSize:  NewRollingAverage(32),
		latency:  NewRollingAverage(32),
	}
}

// InitUART attaches serial counters.
func (e *Endpoint) InitUART() *UARTStats {
	e.UART = &UARTStats{}
	return e.UART
}

// InitUDP attaches datagram counters.
func (e *Endpoint) InitUDP() *UDPStats {
	e.UDP = &UDPStats{}
	return e.UDP
}

// InitTCP attaches stream counters.
func (e *Endpoint) InitTCP() *TCPStats {
	e.TCP = &TCPStats{}
	return e.TCP
}

// OnMessageReceived records one inbound frame.
func (e *Endpoint) OnMessageReceived(size int, isV2 bool) {
	e.RxMessages.Add(1)
	e.RxBytes.Add(uint64(size))
	if isV2 {
		e.V2Count.Add(1)
	} else {
		e.V1Count.Add(1)
	}
	e.msgRate.Add(1)
	e.byteRate.Add(size)
	e.msgSize.Add(float64(size))
}

// OnMessageSent records one outbound frame.
func (e *Endpoint) OnMessageSent(size int) {
	e.TxMessages.Add(1)
	e.TxBytes.Add(uint64(size))
}

// OnFiltered counts a frame dropped by a filter dimension.
func (e *Endpoint) OnFiltered(kind FilterKind) {
	switch kind {
	case FilterMsgID:
		e.FilteredMsgID.Add(1)
	case FilterSrcSys:
		e.FilteredSrcSys.Add(1)
	case FilterSrcComp:
		e.FilteredSrcComp.Add(1)
	}
}

// RecordLatency feeds the rolling latency average.
func (e *Endpoint) RecordLatency(d time.Duration) {
	e.latency.Add(float64(d.Microseconds()))
}

// RefreshPeriodic updates peak values; called from the router's
// aggregate timeout, never from the hot path.
func (e *Endpoint) RefreshPeriodic() {
	msgRate := e.msgRate.Rate()
	byteRate := e.byteRate.Rate()

	e.peakMu.Lock()
	defer e.peakMu.Unlock()
	if msgRate > e.peakMsgRate {
		e.peakMsgRate = msgRate
	}
	if byteRate > e.peakByteRate {
		e.peakByteRate = byteRate
	}
}

// V2Ratio returns the share of v2 frames among all received frames.
func (e *Endpoint) V2Ratio() float64 {
	v1 := float64(e.V1Count.Load())
	v2 := float64(e.V2Count.Load())
	if v1+v2 == 0 {
		return 0
	}
	return v2 / (v1 + v2)
}
