package pipeline

import (
	"strings"
	"testing"

	"github.com/roelfdiedericks/serialmon/internal/types"
)

func textPacket(text string) types.DataPacket {
	p := types.NewTextPacket("serial", text)
	p.TsMillis = 1000
	p.Tags = []string{"bench"}
	return p
}

func TestEmptyPipelinePassesThrough(t *testing.T) {
	p := New("empty")
	out := p.Process(types.PacketItem(textPacket("x")))
	if len(out) != 1 || out[0].Packet == nil || out[0].Packet.TextOr("") != "x" {
		t.Fatalf("out = %+v", out)
	}
	if p.ID() != "empty" {
		t.Errorf("ID = %q", p.ID())
	}
}

func TestLineSplitter(t *testing.T) {
	out := LineSplitter{}.Process(types.PacketItem(textPacket("a\r\nb\n\nc")))
	if len(out) != 3 {
		t.Fatalf("got %d items, want 3", len(out))
	}
	for i, want := range []string{"a", "b", "c"} {
		p := out[i].Packet
		if p == nil {
			t.Fatalf("item %d is not a packet", i)
		}
		if p.TextOr("") != want || string(p.Raw) != want {
			t.Errorf("item %d text = %q raw = %q, want %q", i, p.TextOr(""), p.Raw, want)
		}
		if p.TsMillis != 1000 || p.SourceID != "serial" {
			t.Errorf("item %d lost ts/source: %+v", i, p)
		}
		if len(p.Tags) != 1 || p.Tags[0] != "bench" {
			t.Errorf("item %d tags = %v", i, p.Tags)
		}
	}
}

func TestLineSplitterPassThrough(t *testing.T) {
	blank := textPacket("\n\r\n")
	out := LineSplitter{}.Process(types.PacketItem(blank))
	if len(out) != 1 || out[0].Packet.ID != blank.ID {
		t.Errorf("blank packet should pass unchanged, got %+v", out)
	}

	binary := types.NewPacket("serial", []byte{0xff, 0xfe})
	out = LineSplitter{}.Process(types.PacketItem(binary))
	if len(out) != 1 || out[0].Packet.Text != nil {
		t.Errorf("binary packet should pass unchanged, got %+v", out)
	}

	metric := types.MetricItem(types.Metric{Name: "float", Value: 1})
	out = LineSplitter{}.Process(metric)
	if len(out) != 1 || out[0].Kind() != types.ItemMetric {
		t.Errorf("metric should pass through, got %+v", out)
	}
}

func TestExtractMetrics(t *testing.T) {
	type sample struct {
		name  string
		value float64
	}
	tests := []struct {
		text string
		want []sample
	}{
		{"1.5,2.5", []sample{{"float", 1.5}, {"float", 2.5}}},
		{"-3e2;+4\t.5|7", []sample{{"float", -300}, {"float", 4}, {"float", 0.5}, {"float", 7}}},
		{"nan inf NaN -Inf 1e999", nil},
		{"temp=21.5C hum:40%", []sample{{"temp", 21.5}, {"hum", 40}}},
		{"vbat 3.3V", []sample{{"float", 3.3}}},
		{"2024-01-01 12:30:01 v2 1.2.3", nil},
		{"boot ok", nil},
	}
	for _, tt := range tests {
		got := ExtractMetrics(textPacket(tt.text))
		if len(got) != len(tt.want) {
			t.Errorf("%q: got %d metrics %+v, want %d", tt.text, len(got), got, len(tt.want))
			continue
		}
		for i, m := range got {
			if m.Name != tt.want[i].name || m.Value != tt.want[i].value {
				t.Errorf("%q[%d] = %s=%v, want %s=%v", tt.text, i, m.Name, m.Value, tt.want[i].name, tt.want[i].value)
			}
			if m.SourceID != "serial" || m.TsMillis != 1000 {
				t.Errorf("%q[%d] source/ts = %s/%d", tt.text, i, m.SourceID, m.TsMillis)
			}
		}
	}
}

func TestFloatExtractorConsumesPackets(t *testing.T) {
	out := FloatExtractor{}.Process(types.PacketItem(textPacket("1 2")))
	if len(out) != 2 || out[0].Kind() != types.ItemMetric {
		t.Fatalf("out = %+v", out)
	}

	out = FloatExtractor{KeepPackets: true}.Process(types.PacketItem(textPacket("1 2")))
	if len(out) != 3 || out[0].Kind() != types.ItemPacket {
		t.Fatalf("keep packets out = %+v", out)
	}

	out = FloatExtractor{}.Process(types.PacketItem(types.NewPacket("serial", []byte{0xff})))
	if len(out) != 0 {
		t.Errorf("binary packet should yield nothing, got %+v", out)
	}

	ev := types.EventItem(types.ParsedEvent{Kind: "x"})
	if out := (FloatExtractor{}).Process(ev); len(out) != 1 || out[0].Event == nil {
		t.Errorf("event should pass through, got %+v", out)
	}
}

func TestDemoPipeline(t *testing.T) {
	p := Demo("serial")
	if p.ID() != "serial_demo" {
		t.Errorf("ID = %q", p.ID())
	}
	out := p.Process(types.PacketItem(textPacket("1.5,2.5\n3\n")))
	var values []float64
	for _, item := range out {
		if item.Metric == nil {
			t.Fatalf("unexpected item %+v", item)
		}
		values = append(values, item.Metric.Value)
	}
	if len(values) != 3 || values[0] != 1.5 || values[1] != 2.5 || values[2] != 3 {
		t.Errorf("values = %v", values)
	}
}

func TestJQStage(t *testing.T) {
	stage, err := NewJQ(".temp", "temp", false)
	if err != nil {
		t.Fatalf("NewJQ: %v", err)
	}

	out := stage.Process(types.PacketItem(textPacket(`{"temp":21.5}`)))
	if len(out) != 1 || out[0].Event == nil {
		t.Fatalf("out = %+v", out)
	}
	if out[0].Event.Kind != "temp" || string(out[0].Event.Payload) != "21.5" || out[0].Event.TsMillis != 1000 {
		t.Errorf("event = %+v (payload %s)", out[0].Event, out[0].Event.Payload)
	}

	out = stage.Process(types.PacketItem(textPacket("not json")))
	if len(out) != 1 || out[0].Packet == nil {
		t.Errorf("non-JSON packet should pass through, got %+v", out)
	}

	out = stage.Process(types.PacketItem(textPacket(`{"other":1}`)))
	if len(out) != 0 {
		t.Errorf("null result should be dropped, got %+v", out)
	}
}

func TestJQStageMultipleResults(t *testing.T) {
	stage, err := NewJQ(".[]", "", true)
	if err != nil {
		t.Fatalf("NewJQ: %v", err)
	}
	out := stage.Process(types.PacketItem(textPacket(`[1,2]`)))
	if len(out) != 3 || out[0].Packet == nil {
		t.Fatalf("out = %+v", out)
	}
	if out[1].Event.Kind != "jq" || string(out[2].Event.Payload) != "2" {
		t.Errorf("events = %+v %+v", out[1].Event, out[2].Event)
	}

	// Runtime errors stop the iteration without emitting.
	out = stage.Process(types.PacketItem(textPacket(`5`)))
	if len(out) != 1 || out[0].Packet == nil {
		t.Errorf("error case out = %+v", out)
	}
}

func TestNewJQInvalidQuery(t *testing.T) {
	if _, err := NewJQ(".[", "", false); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	if len(list) != 3 {
		t.Fatalf("descriptors = %+v", list)
	}
	if list[0].ID != StageLineSplitter || list[1].ID != StageFloatExtractor || list[2].ID != StageJQ {
		t.Errorf("order = %+v", list)
	}
	if list[0].Configurable || !list[2].Configurable {
		t.Errorf("configurable flags = %+v", list)
	}
	list[0].ID = "mutated"
	if r.List()[0].ID != StageLineSplitter {
		t.Error("List should return a copy")
	}
	if !r.Has(StageJQ) || r.Has("bogus") {
		t.Error("Has mismatch")
	}
}

func TestRegistryBuild(t *testing.T) {
	r := NewRegistry()

	p, err := r.Build(Config{
		ID:     "sensors",
		Source: "network",
		Stages: []StageConfig{
			{Type: StageLineSplitter},
			{Type: StageJQ, Query: ".temp", Kind: "temp"},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := p.StageNames()
	if len(names) != 2 || names[0] != "line_splitter" || names[1] != "jq" {
		t.Errorf("stages = %v", names)
	}

	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, "id is required"},
		{Config{ID: "x", Stages: []StageConfig{{Type: "bogus"}}}, `unknown stage type "bogus"`},
		{Config{ID: "x", Stages: []StageConfig{{Type: StageJQ}}}, "requires a query"},
		{Config{ID: "x", Stages: []StageConfig{{Type: StageJQ, Query: ".["}}}, "invalid jq query"},
	}
	for _, tt := range tests {
		_, err := r.Build(tt.cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Build(%+v) err = %v, want %q", tt.cfg, err, tt.want)
		}
	}
}
