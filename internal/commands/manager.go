// Package commands provides the slash commands typed into the TUI and the
// bus handlers that expose the stream manager to every front end.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command represents a slash command
type Command struct {
	Name        string   // e.g., "/sources"
	Description string   // e.g., "List sources"
	Usage       string   // Argument usage, e.g. "<source>" (optional)
	Aliases     []string // e.g., ["/ls"]
	Handler     CommandHandler
}

// CommandHandler is the function signature for command handlers
type CommandHandler func(ctx context.Context, args *CommandArgs) *CommandResult

// CommandArgs contains the arguments passed to a command handler
type CommandArgs struct {
	Provider Provider // Stream manager
	Toggles  Toggles  // Channel controllers
	RawArgs  string   // Everything after the command name
	Usage    string   // Copy of Command.Usage for error messages
	Commands []*Command
}

// Fields splits RawArgs on whitespace.
func (a *CommandArgs) Fields() []string {
	return strings.Fields(a.RawArgs)
}

// Manager is the slash command registry
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase)
	provider Provider
	toggles  Toggles
}

// NewManager creates a command manager with the built-in commands registered.
func NewManager(provider Provider, toggles Toggles) *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		provider: provider,
		toggles:  toggles,
	}
	registerBuiltins(m)
	return m
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name (or alias)
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands (no aliases), sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Deduplicate (aliases point to same command)
	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Execute runs a command line such as "/start serial".
func (m *Manager) Execute(ctx context.Context, line string) *CommandResult {
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, " ", 2)
	name := strings.ToLower(parts[0])
	rawArgs := ""
	if len(parts) > 1 {
		rawArgs = strings.TrimSpace(parts[1])
	}

	cmd := m.Get(name)
	if cmd == nil {
		return &CommandResult{
			Text:     fmt.Sprintf("Unknown command: %s\nType /help for available commands.", name),
			ExitCode: 1,
		}
	}

	args := &CommandArgs{
		Provider: m.provider,
		Toggles:  m.toggles,
		RawArgs:  rawArgs,
		Usage:    cmd.Usage,
		Commands: m.List(),
	}
	return cmd.Handler(ctx, args)
}

// IsCommand checks if text is a command
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}
