package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

const jqTimeout = time.Second

// JQ runs a jq filter over packets whose text is a JSON document and emits
// each non-null result as a ParsedEvent. Packets that are not JSON pass
// through. JSON packets are consumed unless KeepPackets is set.
type JQ struct {
	query       string
	code        *gojq.Code
	kind        string
	keepPackets bool
}

// NewJQ compiles query. kind labels the emitted events and defaults to "jq".
func NewJQ(query, kind string, keepPackets bool) (*JQ, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid jq query: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compile jq query: %w", err)
	}
	if kind == "" {
		kind = "jq"
	}
	return &JQ{query: query, code: code, kind: kind, keepPackets: keepPackets}, nil
}

func (j *JQ) Name() string { return "jq" }

// Query returns the filter source.
func (j *JQ) Query() string { return j.query }

func (j *JQ) Process(item types.PipelineItem) []types.PipelineItem {
	if item.Packet == nil || item.Packet.Text == nil {
		return []types.PipelineItem{item}
	}

	var input any
	if err := json.Unmarshal([]byte(*item.Packet.Text), &input); err != nil {
		return []types.PipelineItem{item}
	}

	var out []types.PipelineItem
	if j.keepPackets {
		out = append(out, item)
	}

	ctx, cancel := context.WithTimeout(context.Background(), jqTimeout)
	defer cancel()

	iter := j.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			logging.L_debug("pipeline: jq error", "query", j.query, "source", item.Packet.SourceID, "error", err)
			break
		}
		if v == nil {
			continue
		}
		payload, err := json.Marshal(v)
		if err != nil {
			logging.L_debug("pipeline: jq result not encodable", "query", j.query, "error", err)
			continue
		}
		out = append(out, types.EventItem(types.ParsedEvent{
			TsMillis: item.Packet.TsMillis,
			Kind:     j.kind,
			Payload:  payload,
		}))
	}
	return out
}
