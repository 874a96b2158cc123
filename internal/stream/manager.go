// Package stream owns the registered sources and the pipelines attached to
// them, and pumps received packets through those pipelines onto the bus.
package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/metrics"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
	"github.com/roelfdiedericks/serialmon/internal/sources"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

const sinkBuffer = 256

// DataStreamTopic carries raw packets, parsed events and split packets of a source.
func DataStreamTopic(sourceID string) string { return "data_stream::" + sourceID }

// MetricsTopic carries metrics produced by a pipeline.
func MetricsTopic(pipelineID string) string { return "metrics::" + pipelineID }

// Topic prefixes for subscribers that follow every source or pipeline.
const (
	DataStreamPrefix = "data_stream::"
	MetricsPrefix    = "metrics::"
)

// ErrSourceNotFound is returned for an unregistered source ID.
type ErrSourceNotFound string

func (e ErrSourceNotFound) Error() string { return "source not found: " + string(e) }

// Manager holds sources and their pipelines.
type Manager struct {
	registry *pipeline.Registry

	mu              sync.RWMutex
	sources         map[string]sources.Source
	pipelines       map[string]*pipeline.Pipeline
	sourcePipelines map[string]string

	sink chan types.DataPacket
}

// NewManager creates a manager using registry to describe and build stages.
func NewManager(registry *pipeline.Registry) *Manager {
	if registry == nil {
		registry = pipeline.NewRegistry()
	}
	return &Manager{
		registry:        registry,
		sources:         make(map[string]sources.Source),
		pipelines:       make(map[string]*pipeline.Pipeline),
		sourcePipelines: make(map[string]string),
		sink:            make(chan types.DataPacket, sinkBuffer),
	}
}

// AddSource registers a source and points it at the shared sink.
// A source with the same ID replaces the previous one.
func (m *Manager) AddSource(src sources.Source) {
	src.SetSink(m.sink)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID()] = src
	L_debug("stream: source added", "source", src.ID(), "kind", src.Kind())
}

// Source returns a registered source.
func (m *Manager) Source(id string) (sources.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, ErrSourceNotFound(id)
	}
	return src, nil
}

// ListSources returns every source sorted by ID.
func (m *Manager) ListSources() []types.SourceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.SourceInfo, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, types.SourceInfo{
			ID:     src.ID(),
			Label:  src.Label(),
			Kind:   src.Kind(),
			Status: src.Status(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListParsers returns the stages that can be attached.
func (m *Manager) ListParsers() []types.ParserDescriptor {
	return m.registry.List()
}

// StartSource starts a source. ctx bounds the source's read loop.
func (m *Manager) StartSource(ctx context.Context, id string) error {
	src, err := m.Source(id)
	if err != nil {
		return err
	}
	if err := src.Start(ctx); err != nil {
		bus.PublishEvent("sources."+id+".failed", err.Error())
		return err
	}
	bus.PublishEvent("sources."+id+".started", src.Status())
	return nil
}

// StopSource stops a source.
func (m *Manager) StopSource(id string) error {
	src, err := m.Source(id)
	if err != nil {
		return err
	}
	if err := src.Stop(); err != nil {
		return err
	}
	bus.PublishEvent("sources."+id+".stopped", src.Status())
	return nil
}

// StopAll stops every source, logging failures.
func (m *Manager) StopAll() {
	m.mu.RLock()
	srcs := make([]sources.Source, 0, len(m.sources))
	for _, src := range m.sources {
		srcs = append(srcs, src)
	}
	m.mu.RUnlock()

	for _, src := range srcs {
		if err := src.Stop(); err != nil {
			L_warn("stream: stop failed", "source", src.ID(), "error", err)
		}
	}
}

// AttachPipeline makes p the pipeline for a source, replacing any previous one.
func (m *Manager) AttachPipeline(sourceID string, p *pipeline.Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[sourceID]; !ok {
		return ErrSourceNotFound(sourceID)
	}
	if old, ok := m.sourcePipelines[sourceID]; ok && old != p.ID() {
		delete(m.pipelines, old)
	}
	m.pipelines[p.ID()] = p
	m.sourcePipelines[sourceID] = p.ID()

	L_info("stream: pipeline attached", "source", sourceID, "pipeline", p.ID(), "stages", p.StageNames())
	return nil
}

// AttachPipelineConfig builds a pipeline from cfg and attaches it to cfg.Source,
// or to sourceID when cfg.Source is empty.
func (m *Manager) AttachPipelineConfig(sourceID string, cfg pipeline.Config) error {
	if cfg.Source != "" {
		sourceID = cfg.Source
	}
	p, err := m.registry.Build(cfg)
	if err != nil {
		return err
	}
	return m.AttachPipeline(sourceID, p)
}

// PipelineFor returns the pipeline attached to a source, if any.
func (m *Manager) PipelineFor(sourceID string) (*pipeline.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.sourcePipelines[sourceID]
	if !ok {
		return nil, false
	}
	p, ok := m.pipelines[id]
	return p, ok
}

// IngestPacket runs a packet through the source's pipeline, creating the
// demo pipeline first when none is attached.
func (m *Manager) IngestPacket(sourceID string, packet types.DataPacket) (string, []types.PipelineItem, error) {
	p, err := m.ensurePipeline(sourceID)
	if err != nil {
		return "", nil, err
	}
	return p.ID(), p.Process(types.PacketItem(packet)), nil
}

func (m *Manager) ensurePipeline(sourceID string) (*pipeline.Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sources[sourceID]; !ok {
		return nil, ErrSourceNotFound(sourceID)
	}
	if id, ok := m.sourcePipelines[sourceID]; ok {
		if p, ok := m.pipelines[id]; ok {
			return p, nil
		}
	}

	p := pipeline.Demo(sourceID)
	m.pipelines[p.ID()] = p
	m.sourcePipelines[sourceID] = p.ID()
	L_debug("stream: demo pipeline created", "source", sourceID, "pipeline", p.ID())
	return p, nil
}

// MockRx injects text as if the source had received it.
func (m *Manager) MockRx(sourceID, text string) error {
	return m.dispatch(types.NewTextPacket(sourceID, text))
}

// Run pumps packets from the sources until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	L_debug("stream: pump started")
	for {
		select {
		case <-ctx.Done():
			L_debug("stream: pump stopped")
			return
		case packet := <-m.sink:
			if err := m.dispatch(packet); err != nil {
				L_debug("stream: packet dropped", "source", packet.SourceID, "error", err)
			}
		}
	}
}

// dispatch publishes the raw packet, even when ingest fails, then every
// pipeline output. Bus delivery is asynchronous, so subscribers may see
// these events in any order.
func (m *Manager) dispatch(packet types.DataPacket) error {
	sourceID := packet.SourceID
	topic := "stream/" + sourceID
	dataTopic := DataStreamTopic(sourceID)

	bus.PublishEvent(dataTopic, packet)
	metrics.MetricInc(topic, "packets")
	metrics.MetricAdd(topic, "bytes", int64(len(packet.Raw)))

	start := time.Now()
	pipelineID, outputs, err := m.IngestPacket(sourceID, packet)
	metrics.MetricDuration(topic, "ingest_time", time.Since(start))
	if err != nil {
		metrics.MetricFailWithReason(topic, "ingest", err.Error())
		return err
	}
	metrics.MetricSuccess(topic, "ingest")
	metrics.MetricSet(topic, "outputs", float64(len(outputs)))

	metricsTopic := MetricsTopic(pipelineID)
	for _, item := range outputs {
		switch item.Kind() {
		case types.ItemMetric:
			bus.PublishEvent(metricsTopic, *item.Metric)
		case types.ItemEvent:
			bus.PublishEvent(dataTopic, *item.Event)
		case types.ItemPacket:
			bus.PublishEvent(dataTopic, *item.Packet)
		}
	}
	return nil
}
