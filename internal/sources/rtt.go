package sources

import (
	"context"
	"fmt"
	"net"
	"time"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// RTTConfig points at an RTT telnet server, as exposed by J-Link
// (default port 19021) or OpenOCD ("rtt server start <port> 0").
type RTTConfig struct {
	Address     string        // host:port
	DialTimeout time.Duration // Connect timeout
}

// RTT streams the up-channel of a target's RTT buffer over TCP.
type RTT struct {
	base
	cfg    RTTConfig
	dialer net.Dialer
}

// NewRTT creates a stopped RTT source.
func NewRTT(id, label string, cfg RTTConfig) *RTT {
	return &RTT{
		base: newBase(id, label, types.SourceRTT),
		cfg:  cfg,
	}
}

// Configure replaces the server address. It applies on the next Start.
func (r *RTT) Configure(cfg RTTConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Start connects to the RTT server and begins reading.
func (r *RTT) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning() {
		return nil
	}
	if r.cfg.Address == "" {
		return r.failLocked(fmt.Errorf("rtt: no server address configured"))
	}

	timeout := r.cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := r.dialer.DialContext(dialCtx, "tcp", r.cfg.Address)
	if err != nil {
		return r.failLocked(fmt.Errorf("rtt: connect %s: %w", r.cfg.Address, err))
	}

	r.launchLocked(ctx, conn, func(ctx context.Context) error {
		return r.readLoop(ctx, conn)
	})

	L_info("rtt: connected", "source", r.id, "address", r.cfg.Address)
	return nil
}
