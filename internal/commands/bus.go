package commands

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
)

// StreamComponent is the bus component serving stream commands.
const StreamComponent = "stream"

// Bus command names.
const (
	CmdListSources    = "list_sources"
	CmdListParsers    = "list_parsers"
	CmdStartSource    = "start_source"
	CmdStopSource     = "stop_source"
	CmdAttachPipeline = "attach_pipeline"
	CmdMockRx         = "mock_rx"
	CmdOpen           = "open"
	CmdClose          = "close"
)

// BusOptions controls which handlers RegisterBus installs.
type BusOptions struct {
	// SourceCommands installs "open" and "close" on a component per source.
	// Without them channel toggles fail with "no handler registered".
	SourceCommands bool
}

// RegisterBus installs the stream handlers on the bus. ctx is handed to
// sources started through the bus and bounds their read loops.
func RegisterBus(ctx context.Context, p Provider, opts BusOptions) {
	h := &busHandlers{ctx: ctx, p: p}

	bus.RegisterCommand(StreamComponent, CmdListSources, h.listSources)
	bus.RegisterCommand(StreamComponent, CmdListParsers, h.listParsers)
	bus.RegisterCommand(StreamComponent, CmdStartSource, h.startSource)
	bus.RegisterCommand(StreamComponent, CmdStopSource, h.stopSource)
	bus.RegisterCommand(StreamComponent, CmdAttachPipeline, h.attachPipeline)
	bus.RegisterCommand(StreamComponent, CmdMockRx, h.mockRx)

	if !opts.SourceCommands {
		L_info("commands: source open/close handlers disabled")
		return
	}
	for _, s := range p.ListSources() {
		id := s.ID
		bus.RegisterCommand(id, CmdOpen, func(cmd bus.Command) bus.CommandResult {
			return h.start(id)
		})
		bus.RegisterCommand(id, CmdClose, func(cmd bus.Command) bus.CommandResult {
			return h.stop(id)
		})
	}
}

// UnregisterBus removes the stream handlers and every per-source component.
func UnregisterBus(p Provider) {
	bus.UnregisterComponent(StreamComponent)
	for _, s := range p.ListSources() {
		bus.UnregisterComponent(s.ID)
	}
}

type busHandlers struct {
	ctx context.Context
	p   Provider
}

func (h *busHandlers) listSources(cmd bus.Command) bus.CommandResult {
	return bus.CommandResult{Success: true, Data: h.p.ListSources()}
}

func (h *busHandlers) listParsers(cmd bus.Command) bus.CommandResult {
	return bus.CommandResult{Success: true, Data: h.p.ListParsers()}
}

func (h *busHandlers) startSource(cmd bus.Command) bus.CommandResult {
	id, err := sourceID(cmd.Payload)
	if err != nil {
		return bus.CommandResult{Error: err}
	}
	return h.start(id)
}

func (h *busHandlers) stopSource(cmd bus.Command) bus.CommandResult {
	id, err := sourceID(cmd.Payload)
	if err != nil {
		return bus.CommandResult{Error: err}
	}
	return h.stop(id)
}

func (h *busHandlers) start(id string) bus.CommandResult {
	if err := h.p.StartSource(h.ctx, id); err != nil {
		return bus.CommandResult{Error: err}
	}
	return bus.CommandResult{Success: true, Message: "started " + id}
}

func (h *busHandlers) stop(id string) bus.CommandResult {
	if err := h.p.StopSource(id); err != nil {
		return bus.CommandResult{Error: err}
	}
	return bus.CommandResult{Success: true, Message: "stopped " + id}
}

func (h *busHandlers) attachPipeline(cmd bus.Command) bus.CommandResult {
	payload, ok := cmd.Payload.(*AttachPayload)
	if !ok {
		return bus.CommandResult{Error: fmt.Errorf("expected *AttachPayload, got %T", cmd.Payload)}
	}

	cfg := pipeline.Config{ID: payload.PipelineID, Source: payload.SourceID, Stages: payload.Stages}
	if err := h.p.AttachPipelineConfig(payload.SourceID, cfg); err != nil {
		return bus.CommandResult{Error: err}
	}
	return bus.CommandResult{Success: true, Message: "attached " + payload.PipelineID}
}

func (h *busHandlers) mockRx(cmd bus.Command) bus.CommandResult {
	payload, ok := cmd.Payload.(*MockRxPayload)
	if !ok {
		return bus.CommandResult{Error: fmt.Errorf("expected *MockRxPayload, got %T", cmd.Payload)}
	}
	if err := h.p.MockRx(payload.SourceID, payload.Text); err != nil {
		return bus.CommandResult{Error: err}
	}
	return bus.CommandResult{Success: true}
}

// sourceID accepts a *SourcePayload or a bare string.
func sourceID(payload any) (string, error) {
	switch p := payload.(type) {
	case *SourcePayload:
		return p.SourceID, nil
	case string:
		return p, nil
	default:
		return "", fmt.Errorf("expected *SourcePayload, got %T", payload)
	}
}
