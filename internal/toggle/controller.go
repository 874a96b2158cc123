// Package toggle keeps the open/closed view of a single channel for a user
// interface and serializes open/close requests against it.
//
// A Controller accepts one transition at a time. A Toggle issued while a
// transition is in flight is dropped, not queued. Backend failures are logged
// and otherwise ignored: the state still moves to the requested side so the
// UI stays usable when the backend is incomplete or unavailable.
package toggle

import (
	"context"
	"fmt"
	"sync"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

// Status is the label shown for a State.
type Status string

const (
	StatusClosed        Status = "closed"
	StatusOpen          Status = "open"
	StatusTransitioning Status = "transitioning"
)

// State is a snapshot of a controller.
type State struct {
	Open bool `json:"open"`
	Busy bool `json:"busy"`
}

// Status derives the label from the two flags. Busy wins over Open.
func (s State) Status() Status {
	switch {
	case s.Busy:
		return StatusTransitioning
	case s.Open:
		return StatusOpen
	default:
		return StatusClosed
	}
}

// Label is Status as a plain string.
func (s State) Label() string {
	return string(s.Status())
}

// TopicState carries the State of controller name after every change.
func TopicState(name string) string { return "toggle." + name + ".state" }

// TopicDropped carries toggle requests ignored because name was busy.
func TopicDropped(name string) string { return "toggle." + name + ".dropped" }

// TopicFailed carries backend errors from opening or closing name.
func TopicFailed(name string) string { return "toggle." + name + ".failed" }

// Controller owns the open/busy flags for one channel.
type Controller struct {
	name    string
	backend Backend

	mu   sync.Mutex
	open bool
	busy bool
}

// New creates a closed, idle controller.
func New(name string, backend Backend) *Controller {
	return &Controller{
		name:    name,
		backend: backend,
	}
}

// Name returns the channel name the controller was created with.
func (c *Controller) Name() string {
	return c.name
}

// State returns a consistent snapshot of both flags.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Open: c.open, Busy: c.busy}
}

// IsOpen reports whether the channel is considered open.
func (c *Controller) IsOpen() bool {
	return c.State().Open
}

// IsBusy reports whether a transition is in flight.
func (c *Controller) IsBusy() bool {
	return c.State().Busy
}

// Label returns "transitioning", "open" or "closed", recomputed on every call.
func (c *Controller) Label() string {
	return c.State().Label()
}

// Toggle moves the channel to the opposite side. It returns once the backend
// call has completed, or immediately if another transition is in flight.
//
// ctx is handed to the backend as is; the controller adds no deadline and
// never cancels an attempt itself.
func (c *Controller) Toggle(ctx context.Context) {
	target, ok := c.acquire()
	if !ok {
		L_debug("toggle: dropped, transition in flight", "channel", c.name)
		bus.PublishEvent(TopicDropped(c.name), c.State())
		return
	}
	defer c.release()

	if err := c.attempt(ctx, target); err != nil {
		L_warn("toggle: backend not ready", "channel", c.name, "action", action(target), "error", err)
		bus.PublishEvent(TopicFailed(c.name), err.Error())
	}

	// Success or not, the state follows the request.
	c.commit(target)
}

// acquire marks the controller busy and computes the target side.
// Returns false if a transition already holds it.
func (c *Controller) acquire() (target bool, ok bool) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return false, false
	}
	c.busy = true
	target = !c.open
	snapshot := State{Open: c.open, Busy: true}
	c.mu.Unlock()

	bus.PublishEvent(TopicState(c.name), snapshot)
	return target, true
}

func (c *Controller) commit(target bool) {
	c.mu.Lock()
	c.open = target
	c.mu.Unlock()
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	snapshot := State{Open: c.open, Busy: false}
	c.mu.Unlock()

	bus.PublishEvent(TopicState(c.name), snapshot)
}

// attempt performs exactly one backend call. A panicking backend is reported
// as an error so the transition still completes.
func (c *Controller) attempt(ctx context.Context, target bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("backend panic: %v", r)
		}
	}()

	if c.backend == nil {
		return ErrNotImplemented
	}
	if target {
		return c.backend.Open(ctx)
	}
	return c.backend.Close(ctx)
}

func action(target bool) string {
	if target {
		return "open"
	}
	return "close"
}
