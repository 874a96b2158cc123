package pipeline

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/roelfdiedericks/serialmon/internal/types"
)

// LineSplitter breaks packet text into one packet per non-empty line.
type LineSplitter struct{}

func (LineSplitter) Name() string { return "line_splitter" }

func (LineSplitter) Process(item types.PipelineItem) []types.PipelineItem {
	if item.Packet == nil {
		return []types.PipelineItem{item}
	}
	lines := splitLines(*item.Packet)
	out := make([]types.PipelineItem, len(lines))
	for i, p := range lines {
		out[i] = types.PacketItem(p)
	}
	return out
}

// splitLines returns the packet unchanged when it has no text or no non-empty lines.
func splitLines(packet types.DataPacket) []types.DataPacket {
	if packet.Text == nil {
		return []types.DataPacket{packet}
	}

	var out []types.DataPacket
	for _, line := range strings.Split(*packet.Text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		p := types.NewTextPacket(packet.SourceID, line)
		p.TsMillis = packet.TsMillis
		p.Tags = append([]string{}, packet.Tags...)
		out = append(out, p)
	}
	if len(out) == 0 {
		return []types.DataPacket{packet}
	}
	return out
}

// FloatExtractor turns numbers found in packet text into metrics.
//
// Tokens are separated by whitespace and any of ",;|". A bare number yields a
// metric named "float"; "name=value" and "name:value" yield a metric named
// after the key. A trailing unit is ignored ("3.3V", "21.5C", "80%").
// Packets are consumed unless KeepPackets is set.
type FloatExtractor struct {
	KeepPackets bool
}

func (FloatExtractor) Name() string { return "float_extractor" }

func (f FloatExtractor) Process(item types.PipelineItem) []types.PipelineItem {
	if item.Packet == nil {
		return []types.PipelineItem{item}
	}

	metrics := ExtractMetrics(*item.Packet)
	out := make([]types.PipelineItem, 0, len(metrics)+1)
	if f.KeepPackets {
		out = append(out, item)
	}
	for _, m := range metrics {
		out = append(out, types.MetricItem(m))
	}
	return out
}

var numberPrefix = regexp.MustCompile(`^[+-]?(?:\d+\.?\d*|\.\d+)(?:[eE][+-]?\d+)?`)

// ExtractMetrics parses every numeric token of a packet's text.
func ExtractMetrics(packet types.DataPacket) []types.Metric {
	if packet.Text == nil {
		return nil
	}

	tokens := strings.FieldsFunc(*packet.Text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == '|'
	})

	var metrics []types.Metric
	for _, token := range tokens {
		name, raw := "float", token
		if i := strings.IndexAny(token, "=:"); i > 0 {
			name, raw = token[:i], token[i+1:]
		}
		value, ok := parseNumber(raw)
		if !ok {
			continue
		}
		metrics = append(metrics, types.Metric{
			TsMillis: packet.TsMillis,
			SourceID: packet.SourceID,
			Name:     name,
			Value:    value,
		})
	}
	return metrics
}

// parseNumber accepts a decimal or scientific number optionally followed by a unit.
func parseNumber(s string) (float64, bool) {
	num := numberPrefix.FindString(s)
	if num == "" {
		return 0, false
	}
	if !isUnit(s[len(num):]) {
		return 0, false
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func isUnit(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && r != '%' && r != '°' && r != '/' {
			return false
		}
	}
	return true
}
