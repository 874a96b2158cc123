package commands

import (
	"context"

	"github.com/roelfdiedericks/serialmon/internal/pipeline"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// Provider is the stream functionality commands operate on.
// *stream.Manager implements it.
type Provider interface {
	ListSources() []types.SourceInfo
	ListParsers() []types.ParserDescriptor
	StartSource(ctx context.Context, id string) error
	StopSource(id string) error
	AttachPipelineConfig(sourceID string, cfg pipeline.Config) error
	MockRx(sourceID, text string) error
}

// Toggles looks up channel controllers by name.
type Toggles interface {
	Controller(name string) (*toggle.Controller, bool)
	Controllers() []*toggle.Controller
}

// CommandResult contains the result of a command execution
type CommandResult struct {
	Text     string // Plain text output
	Error    error  // Error if command failed
	ExitCode int    // For CLI usage (0 = success)
}

// SourcePayload names a source for start_source, stop_source and the
// per-source open/close commands.
type SourcePayload struct {
	SourceID string `json:"source_id"`
}

// AttachPayload is the payload of attach_pipeline. Without stages the
// attached pipeline passes items through unchanged.
type AttachPayload struct {
	SourceID   string                 `json:"source_id"`
	PipelineID string                 `json:"pipeline_id"`
	Stages     []pipeline.StageConfig `json:"stages,omitempty"`
}

// MockRxPayload is the payload of mock_rx.
type MockRxPayload struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text"`
}
