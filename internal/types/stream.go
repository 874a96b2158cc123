// Package types defines the data shared between sources, pipelines and observers.
// It has no internal imports so every other package can depend on it.
package types

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// NowMillis returns the current Unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// DataPacket is one chunk of bytes received from a source.
type DataPacket struct {
	ID       string   `json:"id"`
	TsMillis int64    `json:"ts_millis"`
	SourceID string   `json:"source_id"`
	Raw      []byte   `json:"raw"`
	Text     *string  `json:"text,omitempty"`
	Tags     []string `json:"tags"`
}

// NewPacket builds a packet stamped with the current time and a fresh ID.
// Text is filled in when raw is valid UTF-8.
func NewPacket(sourceID string, raw []byte) DataPacket {
	p := DataPacket{
		ID:       uuid.NewString(),
		TsMillis: NowMillis(),
		SourceID: sourceID,
		Raw:      raw,
		Tags:     []string{},
	}
	if utf8.Valid(raw) {
		s := string(raw)
		p.Text = &s
	}
	return p
}

// NewTextPacket builds a packet from text, as the mock receive path does.
func NewTextPacket(sourceID, text string) DataPacket {
	p := NewPacket(sourceID, []byte(text))
	p.Text = &text
	return p
}

// TextOr returns the packet text, or def when the packet carries none.
func (p DataPacket) TextOr(def string) string {
	if p.Text == nil {
		return def
	}
	return *p.Text
}

// ParsedEvent is a structured record produced by a parser stage.
type ParsedEvent struct {
	TsMillis int64           `json:"ts_millis"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// Metric is a single numeric sample extracted from a stream.
type Metric struct {
	TsMillis int64   `json:"ts_millis"`
	SourceID string  `json:"source_id"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
}

// ItemKind tags the variant held by a PipelineItem.
type ItemKind string

const (
	ItemPacket ItemKind = "packet"
	ItemEvent  ItemKind = "event"
	ItemMetric ItemKind = "metric"
)

// PipelineItem carries exactly one of Packet, Event or Metric.
type PipelineItem struct {
	Packet *DataPacket  `json:"packet,omitempty"`
	Event  *ParsedEvent `json:"event,omitempty"`
	Metric *Metric      `json:"metric,omitempty"`
}

// PacketItem wraps a packet.
func PacketItem(p DataPacket) PipelineItem { return PipelineItem{Packet: &p} }

// EventItem wraps a parsed event.
func EventItem(e ParsedEvent) PipelineItem { return PipelineItem{Event: &e} }

// MetricItem wraps a metric.
func MetricItem(m Metric) PipelineItem { return PipelineItem{Metric: &m} }

// Kind reports which variant the item holds.
func (i PipelineItem) Kind() ItemKind {
	switch {
	case i.Packet != nil:
		return ItemPacket
	case i.Event != nil:
		return ItemEvent
	default:
		return ItemMetric
	}
}

// SourceKind identifies the transport behind a source.
type SourceKind string

const (
	SourceRTT     SourceKind = "rtt"
	SourceSerial  SourceKind = "serial"
	SourceNetwork SourceKind = "network"
	SourceUnknown SourceKind = "unknown"
)

// SourceState is the coarse lifecycle state of a source.
type SourceState string

const (
	StateStopped SourceState = "stopped"
	StateRunning SourceState = "running"
	StateError   SourceState = "error"
)

// SourceStatus is a source's state plus the error that put it there, if any.
type SourceStatus struct {
	State SourceState `json:"state" yaml:"state"`
	Error string      `json:"error,omitempty" yaml:"error,omitempty"`
}

// Stopped, Running and Failed build the three status values.
func Stopped() SourceStatus { return SourceStatus{State: StateStopped} }
func Running() SourceStatus { return SourceStatus{State: StateRunning} }
func Failed(err error) SourceStatus {
	return SourceStatus{State: StateError, Error: err.Error()}
}

// SourceInfo is the listing view of a source.
type SourceInfo struct {
	ID     string       `json:"id" yaml:"id"`
	Label  string       `json:"label" yaml:"label"`
	Kind   SourceKind   `json:"kind" yaml:"kind"`
	Status SourceStatus `json:"status" yaml:"status"`
}

// ParserDescriptor describes a pipeline stage that can be attached.
type ParserDescriptor struct {
	ID           string `json:"id" yaml:"id"`
	Label        string `json:"label" yaml:"label"`
	Kind         string `json:"kind" yaml:"kind"`
	Configurable bool   `json:"configurable" yaml:"configurable"`
}
