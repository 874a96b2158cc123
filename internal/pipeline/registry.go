package pipeline

import (
	"fmt"

	"github.com/roelfdiedericks/serialmon/internal/types"
)

// Stage type identifiers used in configuration.
const (
	StageLineSplitter   = "line_splitter"
	StageFloatExtractor = "float_extractor"
	StageJQ             = "jq"
)

// StageConfig describes one stage of a configured pipeline.
type StageConfig struct {
	Type        string `json:"type" toml:"type" yaml:"type"`
	Query       string `json:"query,omitempty" toml:"query,omitempty" yaml:"query,omitempty"` // jq only
	Kind        string `json:"kind,omitempty" toml:"kind,omitempty" yaml:"kind,omitempty"`    // jq event kind
	KeepPackets bool   `json:"keepPackets,omitempty" toml:"keepPackets,omitempty" yaml:"keepPackets,omitempty"`
}

// Config describes a pipeline attached to a source.
type Config struct {
	ID     string        `json:"id" toml:"id" yaml:"id"`
	Source string        `json:"source" toml:"source" yaml:"source"`
	Stages []StageConfig `json:"stages" toml:"stages" yaml:"stages"`
}

// Registry lists the stages that can be attached and builds pipelines from config.
type Registry struct {
	parsers []types.ParserDescriptor
}

// NewRegistry returns a registry with the built-in stages.
func NewRegistry() *Registry {
	return &Registry{
		parsers: []types.ParserDescriptor{
			{ID: StageLineSplitter, Label: "Line Splitter", Kind: "stage"},
			{ID: StageFloatExtractor, Label: "Float Extractor", Kind: "stage"},
			{ID: StageJQ, Label: "JQ Filter", Kind: "stage", Configurable: true},
		},
	}
}

// List returns a copy of the descriptors.
func (r *Registry) List() []types.ParserDescriptor {
	out := make([]types.ParserDescriptor, len(r.parsers))
	copy(out, r.parsers)
	return out
}

// Has reports whether a stage type is known.
func (r *Registry) Has(stageType string) bool {
	for _, p := range r.parsers {
		if p.ID == stageType {
			return true
		}
	}
	return false
}

// Build creates a pipeline from cfg. An empty stage list yields a pass-through pipeline.
func (r *Registry) Build(cfg Config) (*Pipeline, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("pipeline: id is required")
	}

	p := New(cfg.ID)
	for i, sc := range cfg.Stages {
		stage, err := r.buildStage(sc)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s stage %d: %w", cfg.ID, i, err)
		}
		p.PushStage(stage)
	}
	return p, nil
}

func (r *Registry) buildStage(sc StageConfig) (Stage, error) {
	switch sc.Type {
	case StageLineSplitter:
		return LineSplitter{}, nil
	case StageFloatExtractor:
		return FloatExtractor{KeepPackets: sc.KeepPackets}, nil
	case StageJQ:
		if sc.Query == "" {
			return nil, fmt.Errorf("jq stage requires a query")
		}
		return NewJQ(sc.Query, sc.Kind, sc.KeepPackets)
	default:
		return nil, fmt.Errorf("unknown stage type %q", sc.Type)
	}
}

// Demo builds the default pipeline for a source: line splitting then float extraction.
func Demo(sourceID string) *Pipeline {
	p := New(DemoID(sourceID))
	p.PushStage(LineSplitter{})
	p.PushStage(FloatExtractor{})
	return p
}

// DemoID is the identifier of a source's default pipeline.
func DemoID(sourceID string) string {
	return sourceID + "_demo"
}
