package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/config"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

const (
	component       = "tui"
	defaultMaxLines = 500
)

// Options configures a TUI run.
type Options struct {
	Channel  string // Controller driven by the toggle key
	MaxLines int    // Lines kept per panel
	ShowLogs bool   // Logs panel visible on start
}

// OptionsFrom converts the config section.
func OptionsFrom(cfg config.TUIConfig) Options {
	return Options{
		Channel:  cfg.Channel,
		MaxLines: cfg.MaxLines,
		ShowLogs: cfg.LogsVisible(),
	}
}

// configAppliedMsg delivers a reloaded config section to the running model.
type configAppliedMsg config.TUIConfig

// registerCommands exposes "tui.apply" so a config reload reaches the running program.
func registerCommands(p *tea.Program) {
	bus.RegisterCommand(component, "apply", func(cmd bus.Command) bus.CommandResult {
		return handleApply(p, cmd)
	})
}

func unregisterCommands() {
	bus.UnregisterComponent(component)
}

func handleApply(p *tea.Program, cmd bus.Command) bus.CommandResult {
	var cfg config.TUIConfig
	switch v := cmd.Payload.(type) {
	case *config.TUIConfig:
		cfg = *v
	case config.TUIConfig:
		cfg = v
	default:
		return bus.CommandResult{
			Success: false,
			Error:   fmt.Errorf("expected *config.TUIConfig, got %T", cmd.Payload),
		}
	}

	p.Send(configAppliedMsg(cfg))
	L_info("tui: config applied", "maxLines", cfg.MaxLines, "channel", cfg.Channel)
	bus.PublishEvent(component+".config.applied", cfg)

	return bus.CommandResult{Success: true, Message: "Config applied"}
}
