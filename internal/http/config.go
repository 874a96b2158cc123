package http

import (
	"github.com/roelfdiedericks/serialmon/internal/config"
)

const (
	component     = "http"
	defaultListen = "127.0.0.1:8765"
)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen  string // Address to listen on (e.g., ":8765", "127.0.0.1:8765")
	Token   string // Bearer token; empty disables auth
	Channel string // Channel used when a request names none
}

// ServerConfigFrom converts the config sections the server needs.
func ServerConfigFrom(cfg *config.Config) ServerConfig {
	return ServerConfig{
		Listen:  cfg.HTTP.Listen,
		Token:   cfg.HTTP.Token,
		Channel: cfg.TUI.Channel,
	}
}
