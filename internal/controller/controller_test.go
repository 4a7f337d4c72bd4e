package controller

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mavrouter/internal/threadmgr"
)

// loopWorker polls the stop flag the way a router loop polls its exit
// flag, through an external atomic the test can also trip.
func loopWorker(exit *atomic.Bool) func(*threadmgr.Handle) {
	return func(h *threadmgr.Handle) {
		for !h.Stopping() && !exit.Load() {
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type fakeInstance struct {
	exit    atomic.Bool
	retcode atomic.Int32
}

func (f *fakeInstance) RequestExit(retcode int) {
	f.retcode.Store(int32(retcode))
	f.exit.Store(true)
}

func TestStartViaRestartCallbackWithoutPriorStart(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	var exit atomic.Bool
	var callbackFired atomic.Bool
	c.RegisterRestartCallback(ThreadMainloop, func() uint32 {
		callbackFired.Store(true)
		id := tm.CreateThread(loopWorker(&exit))
		c.RegisterThread(ThreadMainloop, id, ThreadMainloop)
		return id
	})

	// Stop before any start: the thread was never registered.
	resp := c.Execute(OpStop, ThreadMainloop)
	assert.Equal(t, StatusThreadNotFound, resp.Status)

	resp = c.Execute(OpStart, ThreadMainloop)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, callbackFired.Load())
	require.Contains(t, resp.Threads, ThreadMainloop)

	// A second start finds the live thread.
	require.Eventually(t, func() bool {
		return c.Execute(OpStatus, ThreadMainloop).Threads[ThreadMainloop].IsAlive
	}, time.Second, 5*time.Millisecond)
	resp = c.Execute(OpStart, ThreadMainloop)
	assert.Equal(t, StatusAlreadyInState, resp.Status)

	exit.Store(true)
}

func TestStartDeadThreadRestarts(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	var starts atomic.Int32
	var exit atomic.Bool
	c.RegisterRestartCallback(ThreadStatistics, func() uint32 {
		starts.Add(1)
		id := tm.CreateThread(loopWorker(&exit))
		c.RegisterThread(ThreadStatistics, id, ThreadStatistics)
		return id
	})

	resp := c.Execute(OpStart, ThreadStatistics)
	require.Equal(t, StatusSuccess, resp.Status)

	// Let it die, then start again: the callback creates a fresh thread.
	exit.Store(true)
	require.Eventually(t, func() bool {
		return !c.Execute(OpStatus, ThreadStatistics).Threads[ThreadStatistics].IsAlive
	}, time.Second, 5*time.Millisecond)

	exit.Store(false)
	resp = c.Execute(OpStart, ThreadStatistics)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, int32(2), starts.Load())

	exit.Store(true)
}

func TestStopRoutesToInstance(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	primary := &fakeInstance{}
	other := &fakeInstance{}

	id := tm.CreateThread(func(h *threadmgr.Handle) {
		for !primary.exit.Load() {
			time.Sleep(5 * time.Millisecond)
		}
	})
	c.RegisterThread(ThreadMainloop, id, ThreadMainloop)
	c.RegisterInstanceProvider(ThreadMainloop, func() ExitRequester { return primary })

	resp := c.Execute(OpStop, ThreadMainloop)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, primary.exit.Load())
	// only the named thread's instance is touched
	assert.False(t, other.exit.Load())

	ok, err := tm.JoinThread(id, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopAllSparesHTTPServer(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	httpID := tm.CreateThread(func(h *threadmgr.Handle) {
		for !h.Stopping() {
			time.Sleep(5 * time.Millisecond)
		}
	})
	c.RegisterThread(ThreadHTTPServer, httpID, ThreadHTTPServer)

	instance := &fakeInstance{}
	loopID := tm.CreateThread(func(h *threadmgr.Handle) {
		for !instance.exit.Load() {
			time.Sleep(5 * time.Millisecond)
		}
	})
	c.RegisterThread(ThreadMainloop, loopID, ThreadMainloop)
	c.RegisterInstanceProvider(ThreadMainloop, func() ExitRequester { return instance })

	resp := c.Execute(OpStop, TargetAll)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, instance.exit.Load())

	// mainloop drains, http server stays up
	tm.JoinThread(loopID, time.Second)
	assert.True(t, tm.IsAlive(httpID))

	tm.StopThread(httpID)
	tm.JoinThread(httpID, time.Second)
}

func TestPauseResumePassThrough(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	id := tm.CreateThread(func(h *threadmgr.Handle) {
		for !h.Stopping() {
			h.WaitIfPaused()
			time.Sleep(5 * time.Millisecond)
		}
	})
	c.RegisterThread(ThreadStatistics, id, ThreadStatistics)
	require.Eventually(t, func() bool { return tm.IsAlive(id) }, time.Second, time.Millisecond)

	resp := c.Execute(OpPause, ThreadStatistics)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "paused", resp.Threads[ThreadStatistics].State)

	resp = c.Execute(OpResume, ThreadStatistics)
	assert.Equal(t, StatusSuccess, resp.Status)

	tm.StopThread(id)
	tm.JoinThread(id, time.Second)
}

func TestRestartStopsAndJoins(t *testing.T) {
	tm := threadmgr.New()
	c := New(tm)

	instance := &fakeInstance{}
	id := tm.CreateThread(func(h *threadmgr.Handle) {
		for !instance.exit.Load() {
			time.Sleep(5 * time.Millisecond)
		}
	})
	c.RegisterThread(ThreadMainloop, id, ThreadMainloop)
	c.RegisterInstanceProvider(ThreadMainloop, func() ExitRequester { return instance })

	resp := c.Execute(OpRestart, ThreadMainloop)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.False(t, tm.IsAlive(id))
}

func TestStatusUnknownThread(t *testing.T) {
	c := New(threadmgr.New())
	resp := c.Execute(OpStatus, "nonexistent")
	assert.Equal(t, StatusThreadNotFound, resp.Status)
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation("START")
	require.NoError(t, err)
	assert.Equal(t, OpStart, op)

	_, err = ParseOperation("reboot")
	assert.Error(t, err)
}
