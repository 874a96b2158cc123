// Package bus is the in-process command and event bus for serialmon.
// Commands (request/response) stand in for the backend "invoke" layer: the
// TUI, HTTP server and CLI call sources through them. Events (pub/sub) carry
// state changes and stream data to observers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

// DefaultCommandTimeout bounds how long SendCommand waits for a handler.
const DefaultCommandTimeout = 30 * time.Second

// Command represents a request to a component (request/response pattern)
type Command struct {
	Component string               // Target component: "serial", "stream", etc.
	Name      string               // Command name: "open", "list_sources", etc.
	Payload   any                  // Optional payload
	Source    string               // Origin: "tui", "http", "cli", "system"
	Result    chan<- CommandResult // Response channel (nil for fire-and-forget)
}

// CommandResult is the response from a command handler
type CommandResult struct {
	Success bool   // Whether the command succeeded
	Message string // Human-readable result message
	Data    any    // Optional structured data
	Error   error  // Error if failed
}

// Err returns the failure carried by the result, or nil on success.
func (r CommandResult) Err() error {
	if r.Error != nil {
		return r.Error
	}
	if r.Success {
		return nil
	}
	if r.Message != "" {
		return errors.New(r.Message)
	}
	return errors.New("command failed")
}

// CommandHandler processes a command and returns a result
type CommandHandler func(Command) CommandResult

type busError string

func (e busError) Error() string { return string(e) }

const (
	ErrTimeout        busError = "command timed out"
	ErrBusFull        busError = "command bus full"
	ErrNoHandler      busError = "no handler registered"
	ErrUnknownCommand busError = "unknown command"
)

type componentCommands struct {
	handlers map[string]CommandHandler
}

var (
	commandBus               = make(chan Command, 100)
	commandDispatcherStarted sync.Once

	commandRegistry   = make(map[string]*componentCommands)
	commandRegistryMu sync.RWMutex
)

// --- Registration ---

// RegisterCommand adds a handler for a component command
func RegisterCommand(component, command string, handler CommandHandler) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	if commandRegistry[component] == nil {
		commandRegistry[component] = &componentCommands{
			handlers: make(map[string]CommandHandler),
		}
	}
	commandRegistry[component].handlers[command] = handler
	L_debug("bus: command registered", "component", component, "command", command)
}

// UnregisterCommand removes a handler for a component command
func UnregisterCommand(component, command string) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()

	if cc := commandRegistry[component]; cc != nil {
		delete(cc.handlers, command)
		if len(cc.handlers) == 0 {
			delete(commandRegistry, component)
		}
	}
}

// UnregisterComponent removes all command handlers for a component
func UnregisterComponent(component string) {
	commandRegistryMu.Lock()
	defer commandRegistryMu.Unlock()
	delete(commandRegistry, component)
}

// --- Send Commands ---

// SendCommand sends a command and waits for the result
func SendCommand(component, name string, payload any) CommandResult {
	return SendCommandContext(context.Background(), component, name, payload, "unknown")
}

// SendCommandContext sends a command and waits for the result, the context
// being cancelled, or DefaultCommandTimeout, whichever comes first.
// Giving up does not stop the handler; it keeps running in the background.
func SendCommandContext(ctx context.Context, component, name string, payload any, source string) CommandResult {
	timer := time.NewTimer(DefaultCommandTimeout)
	defer timer.Stop()
	return send(ctx, timer.C, component, name, payload, source)
}

// SendCommandWait sends a command and blocks until its handler returns,
// however long that takes. Use it when the caller must not act again
// before the handler has finished.
func SendCommandWait(component, name string, payload any, source string) CommandResult {
	return send(context.Background(), nil, component, name, payload, source)
}

// send queues cmd and waits for its result. A nil timeout never fires.
func send(ctx context.Context, timeout <-chan time.Time, component, name string, payload any, source string) CommandResult {
	ensureCommandDispatcher()

	result := make(chan CommandResult, 1)
	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
		Result:    result,
	}

	select {
	case commandBus <- cmd:
	default:
		return CommandResult{Error: ErrBusFull, Message: "command bus full"}
	}

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return CommandResult{Error: ctx.Err(), Message: "command cancelled"}
	case <-timeout:
		return CommandResult{Error: ErrTimeout, Message: "command timed out"}
	}
}

// SendCommandAsync sends a command without waiting for result
func SendCommandAsync(component, name string, payload any, source string) {
	ensureCommandDispatcher()

	cmd := Command{
		Component: component,
		Name:      name,
		Payload:   payload,
		Source:    source,
	}

	select {
	case commandBus <- cmd:
	default:
		L_warn("bus: command dropped (bus full)", "component", component, "command", name)
	}
}

// --- Dispatcher ---

func ensureCommandDispatcher() {
	commandDispatcherStarted.Do(func() {
		go runCommandDispatcher()
		L_debug("bus: command dispatcher started")
	})
}

// runCommandDispatcher takes commands off the bus. Each handler runs in its
// own goroutine: a source open can block on hardware and must not stall
// unrelated commands.
func runCommandDispatcher() {
	for cmd := range commandBus {
		go dispatchCommand(cmd)
	}
}

// dispatchCommand routes a command to its handler
func dispatchCommand(cmd Command) {
	L_debug("bus: command dispatch",
		"component", cmd.Component,
		"command", cmd.Name,
		"source", cmd.Source,
	)

	commandRegistryMu.RLock()
	cc := commandRegistry[cmd.Component]
	var handler CommandHandler
	if cc != nil {
		handler = cc.handlers[cmd.Name]
	}
	commandRegistryMu.RUnlock()

	var result CommandResult

	switch {
	case cc == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s", ErrNoHandler, cmd.Component),
			Message: fmt.Sprintf("component '%s' not available", cmd.Component),
		}
	case handler == nil:
		result = CommandResult{
			Error:   fmt.Errorf("%w: %s.%s", ErrUnknownCommand, cmd.Component, cmd.Name),
			Message: fmt.Sprintf("unknown command '%s' for component '%s'", cmd.Name, cmd.Component),
		}
	default:
		result = runHandler(handler, cmd)
	}

	if cmd.Result != nil {
		select {
		case cmd.Result <- result:
		default:
			L_warn("bus: result channel full/closed",
				"component", cmd.Component,
				"command", cmd.Name,
			)
		}
	}
}

func runHandler(handler CommandHandler, cmd Command) (result CommandResult) {
	defer func() {
		if r := recover(); r != nil {
			L_error("bus: command handler panic", "component", cmd.Component, "command", cmd.Name, "panic", r)
			result = CommandResult{Error: fmt.Errorf("command handler panic: %v", r)}
		}
	}()
	return handler(cmd)
}

// --- Introspection ---

// ListComponents returns all registered component names
func ListComponents() []string {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	names := make([]string, 0, len(commandRegistry))
	for name := range commandRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListCommands returns all command names for a component
func ListCommands(component string) []string {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	cc := commandRegistry[component]
	if cc == nil {
		return nil
	}

	names := make([]string, 0, len(cc.handlers))
	for name := range cc.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasCommandHandler returns true if a handler is registered for the command
func HasCommandHandler(component, command string) bool {
	commandRegistryMu.RLock()
	defer commandRegistryMu.RUnlock()

	cc := commandRegistry[component]
	if cc == nil {
		return false
	}
	_, ok := cc.handlers[command]
	return ok
}
