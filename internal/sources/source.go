// Package sources implements the data sources serialmon can open: a serial
// port, an RTT telnet server and a WebSocket stream. Every source writes the
// bytes it receives as DataPackets into a shared sink channel.
package sources

import (
	"context"
	"errors"
	"io"
	"sync"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// Source is the lifecycle contract shared by all sources.
type Source interface {
	ID() string
	Label() string
	Kind() types.SourceKind
	Status() types.SourceStatus

	// Start opens the underlying transport and begins streaming into the sink.
	// Starting a running source is a no-op.
	Start(ctx context.Context) error

	// Stop closes the transport. Stopping a stopped source is a no-op.
	Stop() error

	SetSink(sink chan<- types.DataPacket)
}

// ErrPeerClosed is recorded when the remote end closes a stream.
var ErrPeerClosed = errors.New("connection closed by peer")

const readBufferSize = 4096

// base carries the state every source tracks: status, sink and the running loop.
type base struct {
	id    string
	label string
	kind  types.SourceKind

	mu     sync.RWMutex
	status types.SourceStatus
	sink   chan<- types.DataPacket
	cancel context.CancelFunc
	done   chan struct{}
	closer io.Closer
}

func newBase(id, label string, kind types.SourceKind) base {
	return base{id: id, label: label, kind: kind, status: types.Stopped()}
}

func (b *base) ID() string             { return b.id }
func (b *base) Label() string          { return b.label }
func (b *base) Kind() types.SourceKind { return b.kind }

func (b *base) Status() types.SourceStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *base) SetSink(sink chan<- types.DataPacket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// isRunning must be called with b.mu held.
func (b *base) isRunning() bool {
	return b.status.State == types.StateRunning
}

// failLocked records a start failure. Caller holds b.mu.
func (b *base) failLocked(err error) error {
	b.status = types.Failed(err)
	return err
}

// launchLocked marks the source running and runs loop on its own goroutine
// until it returns or Stop is called. Caller holds b.mu.
func (b *base) launchLocked(ctx context.Context, closer io.Closer, loop func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	b.cancel = cancel
	b.done = done
	b.closer = closer
	b.status = types.Running()

	go func() {
		defer close(done)
		err := loop(ctx)
		_ = closer.Close()

		if ctx.Err() != nil {
			// Stop already recorded the new status.
			return
		}
		cancel()

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.done != done {
			return
		}
		b.cancel, b.done, b.closer = nil, nil, nil
		if err != nil {
			L_warn("source: stream ended", "source", b.id, "error", err)
			b.status = types.Failed(err)
		} else {
			b.status = types.Stopped()
		}
	}()
}

// Stop closes the transport and waits for the read loop to exit.
func (b *base) Stop() error {
	b.mu.Lock()
	cancel, done, closer := b.cancel, b.done, b.closer
	b.cancel, b.done, b.closer = nil, nil, nil
	wasRunning := b.isRunning()
	b.status = types.Stopped()
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	err := closer.Close()
	<-done

	if wasRunning {
		L_info("source: stopped", "source", b.id)
	}
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		L_debug("source: close returned error", "source", b.id, "error", err)
	}
	return nil
}

// emit copies raw into a packet and hands it to the sink.
func (b *base) emit(ctx context.Context, raw []byte) {
	b.mu.RLock()
	sink := b.sink
	b.mu.RUnlock()

	if sink == nil {
		L_trace("source: no sink, dropping data", "source", b.id, "bytes", len(raw))
		return
	}

	data := make([]byte, len(raw))
	copy(data, raw)

	select {
	case sink <- types.NewPacket(b.id, data):
	case <-ctx.Done():
	}
}

// readLoop streams from an io.Reader until ctx is cancelled or the reader fails.
// Readers with a read timeout may return (0, nil); the loop just polls ctx again.
func (b *base) readLoop(ctx context.Context, r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.emit(ctx, buf[:n])
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrPeerClosed
			}
			return err
		}
	}
}
