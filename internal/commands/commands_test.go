package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

type fakeProvider struct {
	ids []string

	mu       sync.Mutex
	started  []string
	stopped  []string
	attached []pipeline.Config
	mocked   []string
}

func (f *fakeProvider) ListSources() []types.SourceInfo {
	out := make([]types.SourceInfo, len(f.ids))
	for i, id := range f.ids {
		out[i] = types.SourceInfo{ID: id, Label: strings.ToUpper(id), Kind: types.SourceSerial, Status: types.Stopped()}
	}
	return out
}

func (f *fakeProvider) ListParsers() []types.ParserDescriptor {
	return pipeline.NewRegistry().List()
}

func (f *fakeProvider) has(id string) error {
	for _, known := range f.ids {
		if known == id {
			return nil
		}
	}
	return errors.New("source not found: " + id)
}

func (f *fakeProvider) StartSource(ctx context.Context, id string) error {
	if err := f.has(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeProvider) StopSource(id string) error {
	if err := f.has(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeProvider) AttachPipelineConfig(sourceID string, cfg pipeline.Config) error {
	if err := f.has(sourceID); err != nil {
		return err
	}
	if _, err := pipeline.NewRegistry().Build(cfg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, cfg)
	return nil
}

func (f *fakeProvider) MockRx(sourceID, text string) error {
	if err := f.has(sourceID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mocked = append(f.mocked, sourceID+":"+text)
	return nil
}

func TestExecuteUnknownCommand(t *testing.T) {
	m := NewManager(&fakeProvider{}, nil)
	res := m.Execute(context.Background(), "/bogus")
	if !strings.Contains(res.Text, "Unknown command: /bogus") || res.ExitCode != 1 {
		t.Errorf("result = %+v", res)
	}
	if !IsCommand("  /help") || IsCommand("help") {
		t.Error("IsCommand mismatch")
	}
}

func TestHelpListsCommands(t *testing.T) {
	m := NewManager(&fakeProvider{}, nil)
	res := m.Execute(context.Background(), "/?")
	for _, want := range []string{"/start <source>", "/toggle [channel]", "/jq <source> <query>"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("help missing %q:\n%s", want, res.Text)
		}
	}
	if m.Get("/LS") == nil {
		t.Error("alias lookup should be case-insensitive")
	}
}

func TestSourceCommands(t *testing.T) {
	p := &fakeProvider{ids: []string{"serial", "rtt"}}
	m := NewManager(p, nil)
	ctx := context.Background()

	if res := m.Execute(ctx, "/sources"); !strings.Contains(res.Text, "serial") || !strings.Contains(res.Text, "rtt") {
		t.Errorf("/sources = %q", res.Text)
	}
	if res := m.Execute(ctx, "/parsers"); !strings.Contains(res.Text, "jq") || !strings.Contains(res.Text, "(configurable)") {
		t.Errorf("/parsers = %q", res.Text)
	}
	if res := m.Execute(ctx, "/start serial"); res.Error != nil {
		t.Errorf("/start: %v", res.Error)
	}
	if res := m.Execute(ctx, "/stop rtt"); res.Error != nil {
		t.Errorf("/stop: %v", res.Error)
	}
	if res := m.Execute(ctx, "/start"); res.ExitCode != 2 || !strings.Contains(res.Text, "usage: /start <source>") {
		t.Errorf("/start without args = %+v", res)
	}
	if res := m.Execute(ctx, "/start missing"); res.Error == nil || !strings.Contains(res.Text, "source not found: missing") {
		t.Errorf("/start missing = %+v", res)
	}
	if len(p.started) != 1 || p.started[0] != "serial" || len(p.stopped) != 1 || p.stopped[0] != "rtt" {
		t.Errorf("started = %v stopped = %v", p.started, p.stopped)
	}
}

func TestAttachAndMockCommands(t *testing.T) {
	p := &fakeProvider{ids: []string{"serial"}}
	m := NewManager(p, nil)
	ctx := context.Background()

	if res := m.Execute(ctx, "/attach serial lines line_splitter,float_extractor"); res.Error != nil {
		t.Fatalf("/attach: %v", res.Error)
	}
	if res := m.Execute(ctx, "/attach serial bad bogus"); res.Error == nil {
		t.Error("/attach with unknown stage should fail")
	}
	if res := m.Execute(ctx, "/jq serial .temp | select(. > 20)"); res.Error != nil {
		t.Fatalf("/jq: %v", res.Error)
	}
	if res := m.Execute(ctx, "/mock serial 1.5, 2.5"); res.Error != nil {
		t.Fatalf("/mock: %v", res.Error)
	}

	if len(p.attached) != 2 {
		t.Fatalf("attached = %+v", p.attached)
	}
	if got := p.attached[0]; got.ID != "lines" || len(got.Stages) != 2 || got.Stages[1].Type != "float_extractor" {
		t.Errorf("attach config = %+v", got)
	}
	if got := p.attached[1]; got.ID != "serial_jq" || got.Stages[1].Query != ".temp | select(. > 20)" {
		t.Errorf("jq config = %+v", got)
	}
	if len(p.mocked) != 1 || p.mocked[0] != "serial:1.5, 2.5" {
		t.Errorf("mocked = %v", p.mocked)
	}
}

func TestToggleCommand(t *testing.T) {
	opened := false
	c := toggle.New("serial", toggle.Funcs{
		OpenFunc: func(context.Context) error { opened = true; return nil },
	})
	m := NewManager(&fakeProvider{}, toggle.NewSet(c))
	ctx := context.Background()

	res := m.Execute(ctx, "/toggle")
	if res.Text != "Channel serial: open" || !opened {
		t.Errorf("/toggle = %+v opened=%v", res, opened)
	}

	// Close is not implemented; the channel still closes.
	res = m.Execute(ctx, "/toggle serial")
	if res.Text != "Channel serial: closed" {
		t.Errorf("/toggle serial = %+v", res)
	}

	if res := m.Execute(ctx, "/toggle nope"); res.Error == nil {
		t.Error("unknown channel should fail")
	}

	status := m.Execute(ctx, "/status")
	if !strings.Contains(status.Text, "serial") || !strings.Contains(status.Text, "closed") {
		t.Errorf("/status = %q", status.Text)
	}
}

func TestToggleCommandWhileBusyIsDropped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	c := toggle.New("cmdtest-busy", toggle.Funcs{
		OpenFunc: func(context.Context) error {
			close(entered)
			<-release
			return nil
		},
	})
	m := NewManager(&fakeProvider{}, toggle.NewSet(c))
	ctx := context.Background()

	dropped := make(chan bus.Event, 4)
	id := bus.SubscribeEvent(toggle.TopicDropped("cmdtest-busy"), func(e bus.Event) { dropped <- e })
	defer bus.UnsubscribeEvent(id)

	done := make(chan *CommandResult, 1)
	go func() { done <- m.Execute(ctx, "/toggle cmdtest-busy") }()
	<-entered

	res := m.Execute(ctx, "/toggle cmdtest-busy")
	if res.Text != "Channel cmdtest-busy: transitioning" {
		t.Errorf("busy /toggle = %+v", res)
	}
	select {
	case <-dropped:
	case <-time.After(2 * time.Second):
		t.Error("no dropped event for busy toggle")
	}

	close(release)
	if res := <-done; res.Text != "Channel cmdtest-busy: open" {
		t.Errorf("first /toggle = %+v", res)
	}
}

func TestBusHandlers(t *testing.T) {
	p := &fakeProvider{ids: []string{"cmdtest-serial"}}
	RegisterBus(context.Background(), p, BusOptions{SourceCommands: true})
	defer UnregisterBus(p)

	res := bus.SendCommand(StreamComponent, CmdListSources, nil)
	list, ok := res.Data.([]types.SourceInfo)
	if !res.Success || !ok || len(list) != 1 || list[0].ID != "cmdtest-serial" {
		t.Fatalf("list_sources = %+v", res)
	}

	if err := bus.SendCommand(StreamComponent, CmdStartSource, "cmdtest-serial").Err(); err != nil {
		t.Errorf("start_source: %v", err)
	}
	if err := bus.SendCommand(StreamComponent, CmdStopSource, &SourcePayload{SourceID: "cmdtest-serial"}).Err(); err != nil {
		t.Errorf("stop_source: %v", err)
	}
	if err := bus.SendCommand(StreamComponent, CmdStopSource, 42).Err(); err == nil {
		t.Error("stop_source with bad payload should fail")
	}
	if err := bus.SendCommand(StreamComponent, CmdStartSource, "nope").Err(); err == nil || err.Error() != "source not found: nope" {
		t.Errorf("start_source unknown = %v", err)
	}

	attach := &AttachPayload{SourceID: "cmdtest-serial", PipelineID: "raw"}
	if err := bus.SendCommand(StreamComponent, CmdAttachPipeline, attach).Err(); err != nil {
		t.Errorf("attach_pipeline: %v", err)
	}
	mock := &MockRxPayload{SourceID: "cmdtest-serial", Text: "42"}
	if err := bus.SendCommand(StreamComponent, CmdMockRx, mock).Err(); err != nil {
		t.Errorf("mock_rx: %v", err)
	}

	if err := bus.SendCommand("cmdtest-serial", CmdOpen, nil).Err(); err != nil {
		t.Errorf("open: %v", err)
	}
	if err := bus.SendCommand("cmdtest-serial", CmdClose, nil).Err(); err != nil {
		t.Errorf("close: %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.started) != 2 || len(p.stopped) != 2 {
		t.Errorf("started = %v stopped = %v", p.started, p.stopped)
	}
}

func TestBusWithoutSourceCommands(t *testing.T) {
	p := &fakeProvider{ids: []string{"cmdtest-nosrc"}}
	RegisterBus(context.Background(), p, BusOptions{})
	defer UnregisterBus(p)

	err := bus.SendCommand("cmdtest-nosrc", CmdOpen, nil).Err()
	if !errors.Is(err, bus.ErrNoHandler) {
		t.Errorf("open without source commands = %v, want ErrNoHandler", err)
	}

	// A toggle over that backend degrades to the optimistic update.
	c := toggle.New("cmdtest-nosrc", toggle.BusBackend{Component: "cmdtest-nosrc", Source: "test"})
	c.Toggle(context.Background())
	if !c.IsOpen() {
		t.Error("toggle should still open")
	}
}
