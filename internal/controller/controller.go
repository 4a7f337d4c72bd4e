// Package controller translates symbolic lifecycle commands from the
// management plane into thread-manager calls. Stop of a router thread is
// routed to that thread's own router instance, never to an ambient one.
package controller

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"mavrouter/internal/threadmgr"
	"mavrouter/logger"
)

// Well-known thread names.
const (
	ThreadMainloop   = "mainloop"
	ThreadHTTPServer = "http_server"
	ThreadStatistics = "statistics"
	TargetAll        = "all"
)

// Operation is a lifecycle command.
type Operation string

const (
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpPause   Operation = "pause"
	OpResume  Operation = "resume"
	OpRestart Operation = "restart"
	OpStatus  Operation = "status"
)

// ParseOperation validates a command string.
func ParseOperation(s string) (Operation, error) {
	op := Operation(strings.ToLower(s))
	switch op {
	case OpStart, OpStop, OpPause, OpResume, OpRestart, OpStatus:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Status is the outcome of a command.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailed         Status = "failed"
	StatusThreadNotFound Status = "thread_not_found"
	StatusInvalidOp      Status = "invalid_operation"
	StatusAlreadyInState Status = "already_in_state"
	StatusTimeout        Status = "timeout"
)

// ThreadStateInfo is one thread's snapshot in a response.
type ThreadStateInfo struct {
	ThreadID     uint32 `json:"threadId"`
	State        string `json:"state"`
	IsAlive      bool   `json:"isAlive"`
	AttachmentID string `json:"attachmentId"`
}

// Response carries the outcome plus per-thread state snapshots.
type Response struct {
	Status  Status                     `json:"status"`
	Message string                     `json:"message"`
	Threads map[string]ThreadStateInfo `json:"threads"`
}

func newResponse(status Status, message string) Response {
	return Response{Status: status, Message: message, Threads: make(map[string]ThreadStateInfo)}
}

// ExitRequester is the slice of a router instance the controller needs:
// the per-instance exit flag.
type ExitRequester interface {
	RequestExit(retcode int)
}

const restartJoinTimeout = 5 * time.Second

// Controller holds the thread registry, attachments, restart callbacks and
// per-thread instance providers under one mutex.
type Controller struct {
	tm  *threadmgr.Manager
	log *zap.SugaredLogger

	mu               sync.Mutex
	registry         map[string]uint32
	attachments      map[string]string
	restartCallbacks map[string]func() uint32
	instances        map[string]func() ExitRequester
}

// New creates a controller over the given thread manager.
func New(tm *threadmgr.Manager) *Controller {
	return &Controller{
		tm:               tm,
		log:              logger.Named("controller"),
		registry:         make(map[string]uint32),
		attachments:      make(map[string]string),
		restartCallbacks: make(map[string]func() uint32),
		instances:        make(map[string]func() ExitRequester),
	}
}

// RegisterThread records a named thread and its attachment.
func (c *Controller) RegisterThread(name string, id uint32, attachment string) {
	c.mu.Lock()
	c.registry[name] = id
	c.attachments[name] = attachment
	c.mu.Unlock()

	if err := c.tm.RegisterThread(id, attachment); err != nil {
		c.log.Warnf("registering thread %s: %v", name, err)
	}
	c.log.Infof("registered thread %s (id %d, attachment %s)", name, id, attachment)
}

// UnregisterThread removes a named thread's bookkeeping.
func (c *Controller) UnregisterThread(name string) {
	c.mu.Lock()
	attachment, hadAttachment := c.attachments[name]
	delete(c.registry, name)
	delete(c.attachments, name)
	c.mu.Unlock()

	if hadAttachment {
		if err := c.tm.UnregisterThread(attachment); err != nil {
			c.log.Debugf("unregistering attachment %s: %v", attachment, err)
		}
	}
}

// RegisterRestartCallback enables start of a thread whose previous
// incarnation exited (or that never ran).
func (c *Controller) RegisterRestartCallback(name string, cb func() uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartCallbacks[name] = cb
	c.log.Infof("registered restart callback for %s", name)
}

// RegisterInstanceProvider wires the router instance owned by the named
// thread so Stop targets exactly that instance.
func (c *Controller) RegisterInstanceProvider(name string, provider func() ExitRequester) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[name] = provider
}

// Execute runs an operation against a target and returns the outcome.
func (c *Controller) Execute(op Operation, target string) Response {
	switch op {
	case OpStatus:
		if target == TargetAll {
			return c.StatusAll()
		}
		return c.StatusThread(target)
	case OpStart:
		return c.Start(target)
	case OpStop:
		if target == TargetAll {
			return c.stopAll()
		}
		return c.Stop(target)
	case OpPause:
		return c.passThrough(target, c.tm.PauseThread, "paused")
	case OpResume:
		return c.passThrough(target, c.tm.ResumeThread, "resumed")
	case OpRestart:
		return c.Restart(target)
	}
	return newResponse(StatusInvalidOp, fmt.Sprintf("unsupported operation %q", op))
}

func (c *Controller) threadInfo(name string) (ThreadStateInfo, bool) {
	c.mu.Lock()
	id, ok := c.registry[name]
	attachment := c.attachments[name]
	c.mu.Unlock()
	if !ok {
		return ThreadStateInfo{}, false
	}

	info := ThreadStateInfo{ThreadID: id, AttachmentID: attachment}
	if state, err := c.tm.GetState(id); err == nil {
		info.State = state.String()
	} else {
		info.State = threadmgr.StateError.String()
	}
	info.IsAlive = c.tm.IsAlive(id)
	return info, true
}

// StatusAll snapshots every registered thread.
func (c *Controller) StatusAll() Response {
	resp := newResponse(StatusSuccess, "retrieved status for all threads")

	c.mu.Lock()
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if info, ok := c.threadInfo(name); ok {
			resp.Threads[name] = info
		}
	}
	return resp
}

// StatusThread snapshots one thread.
func (c *Controller) StatusThread(name string) Response {
	info, ok := c.threadInfo(name)
	if !ok {
		return newResponse(StatusThreadNotFound, "thread not found: "+name)
	}
	resp := newResponse(StatusSuccess, "retrieved thread status")
	resp.Threads[name] = info
	return resp
}

// Start launches the named thread. A live thread is already in state; a
// dead or unknown one is recreated through its restart callback.
func (c *Controller) Start(name string) Response {
	c.mu.Lock()
	id, registered := c.registry[name]
	cb, hasCallback := c.restartCallbacks[name]
	attachment := c.attachments[name]
	c.mu.Unlock()

	if registered && c.tm.IsAlive(id) {
		resp := newResponse(StatusAlreadyInState, "thread is already running")
		if info, ok := c.threadInfo(name); ok {
			resp.Threads[name] = info
		}
		return resp
	}

	if !hasCallback {
		if !registered {
			return newResponse(StatusThreadNotFound, "thread not found: "+name)
		}
		return newResponse(StatusFailed, "thread is not alive and no restart callback registered")
	}

	if registered {
		// Best-effort cleanup of the dead incarnation.
		c.log.Infof("cleaning up old thread %s (id %d)", name, id)
		if err := c.tm.StopThread(id); err == nil {
			c.tm.JoinThread(id, 500*time.Millisecond)
		}
		if attachment != "" {
			if err := c.tm.UnregisterThread(attachment); err != nil {
				c.log.Debugf("unregistering %s: %v", attachment, err)
			}
		}
		c.mu.Lock()
		delete(c.registry, name)
		delete(c.attachments, name)
		c.mu.Unlock()
	}

	newID := cb()
	resp := newResponse(StatusSuccess, fmt.Sprintf("thread created with id %d", newID))
	if info, ok := c.threadInfo(name); ok {
		resp.Threads[name] = info
	}
	c.log.Infof("thread %s started with id %d", name, newID)
	return resp
}

// Stop requests a cooperative stop. Router threads are stopped through
// their own instance's exit flag; the controller never joins here.
func (c *Controller) Stop(name string) Response {
	c.mu.Lock()
	id, registered := c.registry[name]
	provider := c.instances[name]
	c.mu.Unlock()

	if !registered {
		return newResponse(StatusThreadNotFound, "thread not found: "+name)
	}

	if provider != nil {
		if instance := provider(); instance != nil {
			instance.RequestExit(0)
			resp := newResponse(StatusSuccess, "thread stop requested")
			if info, ok := c.threadInfo(name); ok {
				resp.Threads[name] = info
			}
			return resp
		}
	}

	if err := c.tm.StopThread(id); err != nil {
		return newResponse(StatusFailed, err.Error())
	}
	resp := newResponse(StatusSuccess, "thread stop requested")
	if info, ok := c.threadInfo(name); ok {
		resp.Threads[name] = info
	}
	return resp
}

// stopAll cooperatively stops every registered thread except the HTTP
// server, which must stay up to keep the management plane reachable.
func (c *Controller) stopAll() Response {
	c.mu.Lock()
	names := make([]string, 0, len(c.registry))
	for name := range c.registry {
		names = append(names, name)
	}
	c.mu.Unlock()

	resp := newResponse(StatusSuccess, "all threads stop requested")
	for _, name := range names {
		if name == ThreadHTTPServer {
			continue
		}
		c.Stop(name)
		if info, ok := c.threadInfo(name); ok {
			resp.Threads[name] = info
		}
	}
	return resp
}

// Restart cooperatively stops the thread and waits a bounded time for it
// to finish. On success the caller is expected to issue Start.
func (c *Controller) Restart(name string) Response {
	c.mu.Lock()
	id, registered := c.registry[name]
	provider := c.instances[name]
	c.mu.Unlock()

	if !registered {
		return newResponse(StatusThreadNotFound, "thread not found: "+name)
	}

	if provider != nil {
		if instance := provider(); instance != nil {
			instance.RequestExit(0)
		}
	} else if err := c.tm.StopThread(id); err != nil {
		return newResponse(StatusFailed, err.Error())
	}

	stopped, err := c.tm.JoinThread(id, restartJoinTimeout)
	if err != nil {
		return newResponse(StatusFailed, err.Error())
	}
	if !stopped {
		return newResponse(StatusTimeout, "thread did not stop within timeout, restart aborted")
	}

	resp := newResponse(StatusSuccess, "thread stopped, ready for restart")
	if info, ok := c.threadInfo(name); ok {
		resp.Threads[name] = info
	}
	return resp
}

func (c *Controller) passThrough(name string, op func(uint32) error, verb string) Response {
	c.mu.Lock()
	id, registered := c.registry[name]
	c.mu.Unlock()

	if !registered {
		return newResponse(StatusThreadNotFound, "thread not found: "+name)
	}
	if err := op(id); err != nil {
		return newResponse(StatusFailed, err.Error())
	}
	resp := newResponse(StatusSuccess, "thread "+verb)
	if info, ok := c.threadInfo(name); ok {
		resp.Threads[name] = info
	}
	return resp
}
