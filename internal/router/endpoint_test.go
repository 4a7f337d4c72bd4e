package router

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mavrouter/config"
	"mavrouter/internal/mavlink"
)

func testFrame(msgID uint32, srcSys, srcComp byte, targetSys, targetComp int16) *mavlink.Frame {
	return &mavlink.Frame{
		Raw:             []byte{0xfd, 0x01, 0x02},
		MsgID:           msgID,
		SrcSystem:       srcSys,
		SrcComponent:    srcComp,
		TargetSystem:    targetSys,
		TargetComponent: targetComp,
		IsV2:            true,
	}
}

func TestFilterAllows(t *testing.T) {
	// empty allow-set admits everything
	assert.True(t, filterAllows(42, nil, nil))
	// non-empty allow-set requires membership
	assert.True(t, filterAllows(42, []uint32{42, 43}, nil))
	assert.False(t, filterAllows(44, []uint32{42, 43}, nil))
	// the deny-set vetoes even allowed values
	assert.False(t, filterAllows(42, []uint32{42}, []uint32{42}))
	assert.False(t, filterAllows(42, nil, []uint32{42}))
}

func TestAcceptMsgBroadcast(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{})
	assert.Equal(t, Accepted, b.acceptMsg(testFrame(0, 1, 1, -1, -1), 0))
}

func TestAcceptMsgNoEchoToSource(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{})
	b.noteIncoming(testFrame(0, 1, 1, -1, -1))
	assert.Equal(t, Rejected, b.acceptMsg(testFrame(0, 1, 1, -1, -1), 0))
}

func TestAcceptMsgTargeted(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{})
	b.noteIncoming(testFrame(0, 7, 1, -1, -1))

	// destination behind this endpoint
	assert.Equal(t, Accepted, b.acceptMsg(testFrame(76, 1, 1, 7, 1), 0))
	// unknown destination
	assert.Equal(t, Rejected, b.acceptMsg(testFrame(76, 1, 1, 9, 1), 0))
}

func TestAcceptMsgFilterPrecedence(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{
		BlockMsgIDOut: []uint32{42},
	})
	state := b.acceptMsg(testFrame(42, 1, 1, -1, -1), 0)
	assert.Equal(t, Filtered, state)
	assert.Equal(t, uint32(1), b.st.FilteredMsgID.Load())
}

func TestAcceptMsgSnifferOverridesFilters(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{
		BlockMsgIDOut: []uint32{42},
	})
	b.noteIncoming(testFrame(0, 254, 1, -1, -1))

	// the sniffer endpoint gets everything, filters included
	assert.Equal(t, Accepted, b.acceptMsg(testFrame(42, 1, 1, -1, -1), 254))
}

func TestAcceptMsgGroupMembersShareSources(t *testing.T) {
	a := newBaseEndpoint("a", "udp", "g", config.FilterConfig{})

	bWrapped := &UDPEndpoint{baseEndpoint: newBaseEndpoint("b", "udp", "g", config.FilterConfig{})}
	a.linkGroupMember(bWrapped)

	// b saw system 5; a must not route 5's frames back into the group
	bWrapped.noteIncoming(testFrame(0, 5, 1, -1, -1))
	assert.Equal(t, Rejected, a.acceptMsg(testFrame(0, 5, 1, -1, -1), 0))
	assert.Equal(t, uint32(1), a.st.GroupShared.Load())
}

func TestIncomingFilter(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{
		AllowSrcSysIn: []uint32{1},
	})
	assert.True(t, b.acceptIncoming(testFrame(0, 1, 1, -1, -1)))
	assert.False(t, b.acceptIncoming(testFrame(0, 2, 1, -1, -1)))
	assert.Equal(t, uint32(1), b.st.FilteredSrcSys.Load())
}

func TestSequenceGapTracking(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{})

	f := testFrame(0, 1, 1, -1, -1)
	f.SeqNumber = 0
	b.noteIncoming(f)

	f2 := testFrame(0, 1, 1, -1, -1)
	f2.SeqNumber = 4
	b.noteIncoming(f2)

	assert.Equal(t, uint32(3), b.st.MessagesLost.Load())
}

func TestEnqueueBackpressure(t *testing.T) {
	b := newBaseEndpoint("e", "udp", "", config.FilterConfig{})

	for i := 0; i < txQueueDepth; i++ {
		assert.NoError(t, b.enqueue([]byte{1}))
	}
	err := b.enqueue([]byte{1})
	assert.ErrorIs(t, err, ErrWouldBlock)
	assert.Equal(t, uint32(1), b.st.BufferOverruns.Load())
}

func TestEnqueueOnBrokenEndpoint(t *testing.T) {
	b := newBaseEndpoint("e", "tcp", "", config.FilterConfig{})
	b.setState(StateBroken)
	assert.ErrorIs(t, b.enqueue([]byte{1}), ErrPeerGone)
}
