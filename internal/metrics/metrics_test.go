package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
	"github.com/roelfdiedericks/serialmon/internal/types"
)

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCountersAndSnapshot(t *testing.T) {
	m := NewManager()
	m.IncrementCounter("stream/serial", "packets")
	m.AddCounter("stream/serial", "packets", 4)
	m.SetGauge("pipeline/serial_demo", "float", 2.5)
	m.SetGauge("pipeline/serial_demo", "float", -1)
	m.RecordDuration("toggle/serial", "transition", 20*time.Millisecond)
	m.RecordSuccess("source/serial", "start")
	m.RecordFailure("source/serial", "start", "busy")
	m.RecordFailure("source/serial", "start", "busy")

	if got := m.Counter("stream/serial", "packets"); got != 5 {
		t.Errorf("counter = %d, want 5", got)
	}

	snap := m.Snapshot()
	gauge := snap["pipeline/serial_demo/float"].Data.(GaugeSnapshot)
	if gauge.Value != -1 || gauge.Min != -1 || gauge.Max != 2.5 {
		t.Errorf("gauge = %+v", gauge)
	}
	timing := snap["toggle/serial/transition"].Data.(TimingSnapshot)
	if timing.Count != 1 || timing.AvgMs != 20 {
		t.Errorf("timing = %+v", timing)
	}
	sf := snap["source/serial/start"]
	data := sf.Data.(SuccessFailSnapshot)
	if data.Success != 1 || data.Failures != 2 || data.FailureReasons["busy"] != 2 {
		t.Errorf("success/fail = %+v", data)
	}
	if sf.Health != HealthCritical || sf.Health.String() != "critical" {
		t.Errorf("health = %v", sf.Health)
	}

	paths := m.Paths()
	if len(paths) != 4 || paths[0] != "pipeline/serial_demo/float" {
		t.Errorf("paths = %v", paths)
	}
}

func TestObserveChannel(t *testing.T) {
	m := NewManager()
	m.Observe("metricstest")
	defer m.Stop()

	c := toggle.New("metricstest", toggle.Funcs{
		OpenFunc: func(context.Context) error { return errors.New("port busy") },
	})
	c.Toggle(context.Background())

	eventually(t, "transition counted", func() bool {
		return m.Counter("toggle/metricstest", "transitions") == 1
	})
	eventually(t, "failure recorded", func() bool {
		s, ok := m.Snapshot()["toggle/metricstest/backend"]
		return ok && s.Data.(SuccessFailSnapshot).FailureReasons["port busy"] == 1
	})
	eventually(t, "transition timed", func() bool {
		_, ok := m.Snapshot()["toggle/metricstest/transition"]
		return ok
	})

	bus.PublishEvent(toggle.TopicDropped("metricstest"), c.State())
	eventually(t, "drop counted", func() bool {
		return m.Counter("toggle/metricstest", "dropped") == 1
	})
}

func TestObserveSourcesAndPipelines(t *testing.T) {
	m := NewManager()
	m.ObserveSources()
	m.ObservePipelines()
	defer m.Stop()

	bus.PublishEvent("sources.metricstest-src.started", types.Running())
	bus.PublishEvent("sources.metricstest-src.failed", "no such port")
	bus.PublishEvent("sources.metricstest-src.stopped", types.Stopped())
	bus.PublishEvent("metrics::metricstest_demo", types.Metric{Name: "temp", Value: 21.5})

	eventually(t, "source events", func() bool {
		s, ok := m.Snapshot()["source/metricstest-src/start"]
		if !ok {
			return false
		}
		d := s.Data.(SuccessFailSnapshot)
		return d.Success == 1 && d.Failures == 1 && m.Counter("source/metricstest-src", "stops") == 1
	})
	eventually(t, "pipeline sample", func() bool {
		s, ok := m.Snapshot()["pipeline/metricstest_demo/temp"]
		return ok && s.Data.(GaugeSnapshot).Value == 21.5 && m.Counter("pipeline/metricstest_demo", "samples") == 1
	})
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "nested", "metrics.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRecordRecentPrune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UnixMilli()
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	samples := []types.Metric{
		{TsMillis: old, SourceID: "serial", Name: "float", Value: 0},
		{TsMillis: now - 2, SourceID: "serial", Name: "float", Value: 1},
		{TsMillis: now - 1, SourceID: "serial", Name: "float", Value: 2},
		{TsMillis: now, SourceID: "serial", Name: "float", Value: 3},
		{TsMillis: now, SourceID: "serial", Name: "temp", Value: 21},
		{TsMillis: now, SourceID: "rtt", Name: "float", Value: 9},
	}
	for _, m := range samples {
		if err := s.Record("serial_demo", m); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.Recent("serial", "float", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Value != 2 || got[1].Value != 3 {
		t.Errorf("Recent = %+v, want values [2 3]", got)
	}

	n, err := s.Prune(24 * time.Hour)
	if err != nil || n != 1 {
		t.Errorf("Prune = %d, %v; want 1", n, err)
	}
	all, _ := s.Recent("serial", "float", 0)
	if len(all) != 3 {
		t.Errorf("after prune = %+v", all)
	}
}

func TestStoreFollow(t *testing.T) {
	s := openTestStore(t)
	s.Follow("storetest_demo")

	bus.PublishEvent("metrics::storetest_demo", types.Metric{TsMillis: 1, SourceID: "storetest", Name: "float", Value: 4.2})
	bus.PublishEvent("metrics::other_demo", types.Metric{TsMillis: 1, SourceID: "storetest", Name: "float", Value: 1})

	eventually(t, "sample persisted", func() bool {
		got, err := s.Recent("storetest", "float", 10)
		return err == nil && len(got) == 1 && got[0].Value == 4.2
	})
}

func TestStoreCounters(t *testing.T) {
	s := openTestStore(t)

	m := NewManager()
	m.AddCounter("stream/serial", "packets", 7)
	if err := s.SaveCounters(m); err != nil {
		t.Fatalf("SaveCounters: %v", err)
	}
	m.AddCounter("stream/serial", "packets", 1)
	if err := s.SaveCounters(m); err != nil {
		t.Fatalf("SaveCounters again: %v", err)
	}

	restored := NewManager()
	n, err := s.LoadCounters(restored)
	if err != nil || n != 1 {
		t.Fatalf("LoadCounters = %d, %v", n, err)
	}
	if got := restored.Counter("stream/serial", "packets"); got != 8 {
		t.Errorf("restored counter = %d, want 8", got)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"0 * * * *", "@hourly", "@every 10m", "*/5 2 * * 1-5"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	for _, expr := range []string{"", "every hour", "0 0 * *", "61 * * * *"} {
		if _, err := ParseSchedule(expr); err == nil {
			t.Errorf("ParseSchedule(%q) should fail", expr)
		}
	}
}

func TestPrunerRemovesExpiredSamples(t *testing.T) {
	s := openTestStore(t)
	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := s.Record("serial_demo", types.Metric{TsMillis: old, SourceID: "serial", Name: "float", Value: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record("serial_demo", types.Metric{TsMillis: time.Now().UnixMilli(), SourceID: "serial", Name: "float", Value: 2}); err != nil {
		t.Fatal(err)
	}

	if _, err := StartPruner(s, "not a schedule", time.Hour); err == nil {
		t.Fatal("expected schedule error")
	}

	p, err := StartPruner(s, "@every 1s", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	if next := p.Next(); next.IsZero() || next.After(time.Now().Add(2*time.Second)) {
		t.Errorf("unexpected next run %v", next)
	}

	deadline := time.Now().Add(4 * time.Second)
	for {
		got, err := s.Recent("serial", "float", 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) == 1 && got[0].Value == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired sample not pruned: %+v", got)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
