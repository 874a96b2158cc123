package toggle

import (
	"context"
	"errors"

	"github.com/roelfdiedericks/serialmon/internal/bus"
)

// ErrNotImplemented is returned by backends that do not support an operation yet.
var ErrNotImplemented = errors.New("backend operation not implemented")

// Backend opens and closes one channel. Both calls block until the channel
// reports completion or failure.
type Backend interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

// Funcs adapts a pair of functions to Backend. A nil function reports ErrNotImplemented.
type Funcs struct {
	OpenFunc  func(ctx context.Context) error
	CloseFunc func(ctx context.Context) error
}

func (f Funcs) Open(ctx context.Context) error {
	if f.OpenFunc == nil {
		return ErrNotImplemented
	}
	return f.OpenFunc(ctx)
}

func (f Funcs) Close(ctx context.Context) error {
	if f.CloseFunc == nil {
		return ErrNotImplemented
	}
	return f.CloseFunc(ctx)
}

// BusBackend invokes "open" and "close" commands on a bus component.
// When nothing is registered for the component the bus answers with
// bus.ErrNoHandler, which the controller treats like any other failure.
//
// Each call returns only when the handler has finished. ctx is not
// consulted: returning early would release the controller while the
// handler still runs, letting a second open or close start beside it.
type BusBackend struct {
	Component string
	Source    string // reported as the command origin, e.g. "tui"
}

func (b BusBackend) Open(ctx context.Context) error {
	return b.send(ctx, "open")
}

func (b BusBackend) Close(ctx context.Context) error {
	return b.send(ctx, "close")
}

func (b BusBackend) send(_ context.Context, name string) error {
	source := b.Source
	if source == "" {
		source = "toggle"
	}
	return bus.SendCommandWait(b.Component, name, nil, source).Err()
}
