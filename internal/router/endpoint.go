package router

import (
	"errors"
	"io"
	"sync"

	"mavrouter/config"
	"mavrouter/internal/mavlink"
	"mavrouter/internal/stats"
)

// Errors surfaced by endpoint writes.
var (
	// ErrWouldBlock reports a full tx queue; flow control, not a failure.
	ErrWouldBlock = errors.New("write would block")
	// ErrPeerGone reports an endpoint whose peer disconnected.
	ErrPeerGone = errors.New("peer gone")
)

// AcceptState is an endpoint's verdict on a frame offered for delivery.
type AcceptState int

const (
	// Accepted means the endpoint wants the frame written to it.
	Accepted AcceptState = iota
	// Filtered means a configured filter intentionally dropped the frame.
	Filtered
	// Rejected means the endpoint is not a valid destination for the frame.
	Rejected
)

// EndpointState is the coarse lifecycle state of an endpoint.
type EndpointState int

const (
	StateOpening EndpointState = iota
	StateConnected
	StateDraining
	StateBroken
)

// Endpoint is one transport attached to a router instance. The router owns
// each endpoint exclusively; endpoints only ever talk to each other through
// the router.
type Endpoint interface {
	Name() string
	TypeName() string
	GroupName() string
	Stats() *stats.Endpoint

	// close releases the endpoint's handles and stops its goroutines.
	close() error

	IsValid() bool
	IsCritical() bool
	// ShouldRetry reports whether an invalid endpoint reconnects on its
	// own and must therefore survive the hangup sweep.
	ShouldRetry() bool

	AcceptMsg(f *mavlink.Frame) AcceptState
	WriteMsg(f *mavlink.Frame) error

	noteIncoming(f *mavlink.Frame)
	acceptIncoming(f *mavlink.Frame) bool
	linkGroupMember(other Endpoint)
	HasSysID(sysID byte) bool
	HasSysCompID(sysID, compID byte) bool
}

const txQueueDepth = 512

// baseEndpoint carries the behavior every transport shares: filters,
// learned system/component ids, the tx queue and statistics.
type baseEndpoint struct {
	name    string
	typName string
	group   string
	filter  config.FilterConfig
	st      *stats.Endpoint
	router  *Router

	mu           sync.Mutex
	sysCompIDs   map[uint16]struct{}
	lastSeq      map[uint16]byte
	groupMembers []Endpoint
	state        EndpointState

	txq chan []byte
}

func newBaseEndpoint(name, typName, group string, filter config.FilterConfig) baseEndpoint {
	return baseEndpoint{
		name:       name,
		typName:    typName,
		group:      group,
		filter:     filter,
		st:         stats.NewEndpoint(name),
		sysCompIDs: make(map[uint16]struct{}),
		lastSeq:    make(map[uint16]byte),
		state:      StateOpening,
		txq:        make(chan []byte, txQueueDepth),
	}
}

func (b *baseEndpoint) Name() string           { return b.name }
func (b *baseEndpoint) TypeName() string       { return b.typName }
func (b *baseEndpoint) GroupName() string      { return b.group }
func (b *baseEndpoint) Stats() *stats.Endpoint { return b.st }
func (b *baseEndpoint) IsCritical() bool       { return false }
func (b *baseEndpoint) ShouldRetry() bool      { return true }

func (b *baseEndpoint) setState(s EndpointState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *baseEndpoint) State() EndpointState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *baseEndpoint) IsValid() bool {
	return b.State() != StateBroken
}

func (b *baseEndpoint) linkGroupMember(other Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.groupMembers = append(b.groupMembers, other)
}

func sysCompKey(sysID, compID byte) uint16 {
	return uint16(sysID)<<8 | uint16(compID)
}

// HasSysID reports whether the given system was seen behind this endpoint.
func (b *baseEndpoint) HasSysID(sysID byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.sysCompIDs {
		if byte(key>>8) == sysID {
			return true
		}
	}
	return false
}

// HasSysCompID reports whether the exact system/component pair was seen
// behind this endpoint.
func (b *baseEndpoint) HasSysCompID(sysID, compID byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sysCompIDs[sysCompKey(sysID, compID)]
	return ok
}

// noteIncoming learns the frame's source and tracks sequence gaps.
func (b *baseEndpoint) noteIncoming(f *mavlink.Frame) {
	key := sysCompKey(f.SrcSystem, f.SrcComponent)

	b.mu.Lock()
	_, known := b.sysCompIDs[key]
	if !known {
		b.sysCompIDs[key] = struct{}{}
	}
	last, haveSeq := b.lastSeq[key]
	b.lastSeq[key] = f.SeqNumber
	b.mu.Unlock()

	if haveSeq {
		gap := f.SeqNumber - last - 1 // wraps mod 256
		if gap > 0 && gap < 128 {
			b.st.MessagesLost.Add(uint32(gap))
		} else if gap >= 128 && b.st.UDP != nil {
			b.st.UDP.OutOfOrderPackets.Add(1)
		}
	}

	b.st.OnMessageReceived(len(f.Raw), f.IsV2)
}

// acceptIncoming applies the inbound filter block.
func (b *baseEndpoint) acceptIncoming(f *mavlink.Frame) bool {
	if !filterAllows(f.MsgID, b.filter.AllowMsgIDIn, b.filter.BlockMsgIDIn) {
		b.st.OnFiltered(stats.FilterMsgID)
		return false
	}
	if !filterAllows(uint32(f.SrcSystem), b.filter.AllowSrcSysIn, b.filter.BlockSrcSysIn) {
		b.st.OnFiltered(stats.FilterSrcSys)
		return false
	}
	if !filterAllows(uint32(f.SrcComponent), b.filter.AllowSrcCompIn, b.filter.BlockSrcCompIn) {
		b.st.OnFiltered(stats.FilterSrcComp)
		return false
	}
	return true
}

// acceptMsg decides whether a frame should be delivered to this endpoint.
// The receiver endpoint has already learned its own sources, so frames
// never echo back to where they came from.
func (b *baseEndpoint) acceptMsg(f *mavlink.Frame, snifferSysID byte) AcceptState {
	if snifferSysID != 0 && b.HasSysID(snifferSysID) {
		return Accepted
	}

	if b.HasSysCompID(f.SrcSystem, f.SrcComponent) {
		return Rejected
	}

	b.mu.Lock()
	members := b.groupMembers
	b.mu.Unlock()
	for _, member := range members {
		if member.HasSysCompID(f.SrcSystem, f.SrcComponent) {
			b.st.GroupShared.Add(1)
			return Rejected
		}
	}

	if !filterAllows(f.MsgID, b.filter.AllowMsgIDOut, b.filter.BlockMsgIDOut) {
		b.st.OnFiltered(stats.FilterMsgID)
		return Filtered
	}
	if !filterAllows(uint32(f.SrcSystem), b.filter.AllowSrcSysOut, b.filter.BlockSrcSysOut) {
		b.st.OnFiltered(stats.FilterSrcSys)
		return Filtered
	}
	if !filterAllows(uint32(f.SrcComponent), b.filter.AllowSrcCompOut, b.filter.BlockSrcCompOut) {
		b.st.OnFiltered(stats.FilterSrcComp)
		return Filtered
	}

	if f.IsBroadcast() {
		return Accepted
	}
	if b.HasSysID(byte(f.TargetSystem)) {
		return Accepted
	}
	return Rejected
}

// filterAllows applies one allow/deny pair to a value.
func filterAllows(value uint32, allow, block []uint32) bool {
	if len(allow) > 0 {
		found := false
		for _, v := range allow {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, v := range block {
		if v == value {
			return false
		}
	}
	return true
}

// enqueue places serialised frame bytes on the tx queue.
func (b *baseEndpoint) enqueue(raw []byte) error {
	if !b.IsValid() {
		return ErrPeerGone
	}
	select {
	case b.txq <- raw:
		return nil
	default:
		b.st.BufferOverruns.Add(1)
		return ErrWouldBlock
	}
}

// readLoop frames the stream and hands every frame to the router.
// It returns the transport error that ended the stream.
func (b *baseEndpoint) readLoop(ep Endpoint, rc io.Reader) error {
	dec, err := mavlink.NewDecoder(rc)
	if err != nil {
		return err
	}
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, mavlink.ErrMalformed) {
				b.st.Malformed.Add(1)
				continue
			}
			return err
		}
		b.noteIncoming(f)
		if !b.acceptIncoming(f) {
			continue
		}
		if !b.router.deliver(frameEvent{ep: ep, frame: f}) {
			return nil
		}
	}
}

// writeLoop drains the tx queue into the writer until it fails or the
// router shuts down. It returns the write error, or nil on shutdown.
func (b *baseEndpoint) writeLoop(wc io.Writer, done <-chan struct{}) error {
	for {
		select {
		case raw := <-b.txq:
			if _, err := wc.Write(raw); err != nil {
				return err
			}
			b.st.OnMessageSent(len(raw))
		case <-done:
			return nil
		case <-b.router.done:
			return nil
		}
	}
}
