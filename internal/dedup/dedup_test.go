package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(period time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	c := New(period)
	c.now = clock.now
	return c, clock
}

func TestCheckPacketWindow(t *testing.T) {
	c, clock := newTestCache(100 * time.Millisecond)
	payload := []byte{0xfd, 0x09, 0x00, 0x00, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00}

	require.Equal(t, PacketNew, c.CheckPacket(payload))

	clock.advance(50 * time.Millisecond)
	assert.Equal(t, PacketDuplicate, c.CheckPacket(payload))

	clock.advance(150 * time.Millisecond)
	assert.Equal(t, PacketNew, c.CheckPacket(payload))
}

func TestDistinctPayloads(t *testing.T) {
	c, _ := newTestCache(time.Second)

	assert.Equal(t, PacketNew, c.CheckPacket([]byte{1, 2, 3}))
	assert.Equal(t, PacketNew, c.CheckPacket([]byte{1, 2, 4}))
	assert.Equal(t, PacketDuplicate, c.CheckPacket([]byte{1, 2, 3}))
}

func TestZeroPeriodBypasses(t *testing.T) {
	c, _ := newTestCache(0)
	payload := []byte{9, 9, 9}

	assert.Equal(t, PacketNew, c.CheckPacket(payload))
	assert.Equal(t, PacketNew, c.CheckPacket(payload))
}

func TestSetPeriod(t *testing.T) {
	c, clock := newTestCache(0)
	payload := []byte{4, 2}

	assert.Equal(t, PacketNew, c.CheckPacket(payload))
	assert.Equal(t, PacketNew, c.CheckPacket(payload))

	c.SetPeriod(time.Second)
	assert.Equal(t, PacketNew, c.CheckPacket(payload))
	clock.advance(10 * time.Millisecond)
	assert.Equal(t, PacketDuplicate, c.CheckPacket(payload))
}

func TestEvictionRemovesHashes(t *testing.T) {
	c, clock := newTestCache(10 * time.Millisecond)

	for i := 0; i < 64; i++ {
		c.CheckPacket([]byte{byte(i)})
	}
	clock.advance(20 * time.Millisecond)
	c.CheckPacket([]byte{0xff})

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, len(c.hashes))
	assert.Equal(t, 1, c.queue.Len())
}

func TestClear(t *testing.T) {
	c, _ := newTestCache(time.Second)
	payload := []byte{7}

	c.CheckPacket(payload)
	c.Clear()
	assert.Equal(t, PacketNew, c.CheckPacket(payload))
}
