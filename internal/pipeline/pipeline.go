// Package pipeline turns raw packets into lines, metrics and parsed events.
package pipeline

import (
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// Stage transforms one item into zero or more items.
// Stages must pass through variants they do not handle.
type Stage interface {
	Name() string
	Process(item types.PipelineItem) []types.PipelineItem
}

// Pipeline runs items through an ordered list of stages.
type Pipeline struct {
	id     string
	stages []Stage
}

// New creates an empty pipeline. An empty pipeline passes items through unchanged.
func New(id string) *Pipeline {
	return &Pipeline{id: id}
}

// ID returns the pipeline identifier.
func (p *Pipeline) ID() string {
	return p.id
}

// PushStage appends a stage.
func (p *Pipeline) PushStage(s Stage) {
	p.stages = append(p.stages, s)
}

// StageNames lists the stages in order.
func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Process feeds input through every stage, flattening the outputs of each
// stage into the input of the next.
func (p *Pipeline) Process(input types.PipelineItem) []types.PipelineItem {
	items := []types.PipelineItem{input}
	for _, stage := range p.stages {
		next := make([]types.PipelineItem, 0, len(items))
		for _, item := range items {
			next = append(next, stage.Process(item)...)
		}
		items = next
	}
	return items
}
