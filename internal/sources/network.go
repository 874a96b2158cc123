package sources

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// NetworkConfig points at a WebSocket endpoint that streams device output,
// e.g. an ESP32 or a ser2net bridge. Each message becomes one packet.
type NetworkConfig struct {
	URL              string        // ws:// or wss:// URL
	HandshakeTimeout time.Duration // Connect timeout
	Insecure         bool          // Skip TLS verification
}

// Network streams WebSocket messages.
type Network struct {
	base
	cfg NetworkConfig
}

// NewNetwork creates a stopped network source.
func NewNetwork(id, label string, cfg NetworkConfig) *Network {
	return &Network{
		base: newBase(id, label, types.SourceNetwork),
		cfg:  cfg,
	}
}

// Configure replaces the endpoint. It applies on the next Start.
func (n *Network) Configure(cfg NetworkConfig) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cfg = cfg
}

// Start dials the WebSocket endpoint and begins reading messages.
func (n *Network) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.isRunning() {
		return nil
	}
	if n.cfg.URL == "" {
		return n.failLocked(fmt.Errorf("network: no url configured"))
	}

	timeout := n.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	if n.cfg.Insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // G402: bench devices use self-signed certs
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:bodyclose // WebSocket upgrade - response body handled by gorilla/websocket
	conn, _, err := dialer.DialContext(dialCtx, n.cfg.URL, http.Header{})
	if err != nil {
		return n.failLocked(fmt.Errorf("network: connect %s: %w", n.cfg.URL, err))
	}

	n.launchLocked(ctx, conn, func(ctx context.Context) error {
		for {
			_, data, err := conn.ReadMessage()
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return ErrPeerClosed
				}
				return err
			}
			n.emit(ctx, data)
		}
	})

	L_info("network: connected", "source", n.id, "url", n.cfg.URL)
	return nil
}
