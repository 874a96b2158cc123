package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	"github.com/roelfdiedericks/serialmon/internal/pipeline"
)

const sampleJSON = `{
  "serial": {"port": "/dev/ttyUSB0", "baud": 9600},
  "rtt": {"address": "10.0.0.5:19021"},
  "commands": {"sourceCommands": false},
  "pipelines": [
    {"id": "temps", "source": "network", "stages": [{"type": "line_splitter"}, {"type": "jq", "query": ".temp", "kind": "temp"}]}
  ]
}`

const sampleTOML = `
[serial]
port = "/dev/ttyUSB0"
baud = 9600

[rtt]
address = "10.0.0.5:19021"

[commands]
sourceCommands = false

[[pipelines]]
id = "temps"
source = "network"

  [[pipelines.stages]]
  type = "line_splitter"

  [[pipelines.stages]]
  type = "jq"
  query = ".temp"
  kind = "temp"
`

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if !cfg.MetricsEnabled() || !cfg.SourceCommandsEnabled() {
		t.Error("metrics and source commands should default on")
	}
	if cfg.Retention() != 7*24*time.Hour {
		t.Errorf("retention = %v", cfg.Retention())
	}
}

func TestParseMergesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleJSON), false)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.Baud != 9600 {
		t.Errorf("serial = %+v", cfg.Serial)
	}
	if cfg.Serial.DataBits != 8 || cfg.Serial.Parity != "none" || cfg.TUI.MaxLines != 500 {
		t.Errorf("defaults not merged: %+v %+v", cfg.Serial, cfg.TUI)
	}
	if cfg.SourceCommandsEnabled() {
		t.Error("explicit sourceCommands=false was overwritten by the default")
	}
	if !cfg.MetricsEnabled() {
		t.Error("metrics should stay enabled")
	}
	if len(cfg.Pipelines) != 1 || cfg.Pipelines[0].Stages[1].Query != ".temp" {
		t.Errorf("pipelines = %+v", cfg.Pipelines)
	}

	serial := cfg.SerialSource()
	if serial.ReadTimeout != 100*time.Millisecond || serial.Baud != 9600 {
		t.Errorf("SerialSource = %+v", serial)
	}
	if rtt := cfg.RTTSource(); rtt.Address != "10.0.0.5:19021" || rtt.DialTimeout != 5*time.Second {
		t.Errorf("RTTSource = %+v", rtt)
	}
}

func TestTOMLMatchesJSON(t *testing.T) {
	fromJSON, err := Parse([]byte(sampleJSON), false)
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	fromTOML, err := Parse([]byte(sampleTOML), true)
	if err != nil {
		t.Fatalf("Parse toml: %v", err)
	}
	if !reflect.DeepEqual(fromJSON, fromTOML) {
		t.Errorf("json and toml differ:\njson %+v\ntoml %+v", fromJSON, fromTOML)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"baud", `{"serial":{"baud":-1}}`, "serial.baud"},
		{"data bits", `{"serial":{"dataBits":9}}`, "serial.dataBits"},
		{"level", `{"logging":{"level":"loud"}}`, "logging.level"},
		{"stage", `{"pipelines":[{"id":"p","source":"serial","stages":[{"type":"bogus"}]}]}`, `unknown stage type "bogus"`},
		{"source", `{"pipelines":[{"id":"p"}]}`, "source is required"},
		{"duplicate", `{"pipelines":[{"id":"p","source":"a"},{"id":"p","source":"b"}]}`, "duplicate id"},
		{"prune schedule", `{"metrics":{"pruneSchedule":"often"}}`, "metrics.pruneSchedule"},
		{"syntax", `{"serial":`, "parse json"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.json), false)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, path, err := Load("")
	if err != nil || path != "" {
		t.Fatalf("Load without files = %v, %q", err, path)
	}
	if cfg.Serial.Baud != 115200 {
		t.Errorf("defaults not used: %+v", cfg.Serial)
	}

	if _, _, err := Load("missing.json"); err == nil {
		t.Error("expected error for explicit missing file")
	}

	if err := os.WriteFile("serialmon.toml", []byte(sampleTOML), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if filepath.Base(path) != "serialmon.toml" || cfg.Serial.Baud != 9600 {
		t.Errorf("Load = %q %+v", path, cfg.Serial)
	}
}

func TestSaveRoundTripAndBackups(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"serialmon.json", "serialmon.toml"} {
		path := filepath.Join(dir, name)
		cfg := Default()
		cfg.Serial.Port = "/dev/ttyACM0"
		cfg.Pipelines = []pipeline.Config{{ID: "p", Source: "serial", Stages: []pipeline.StageConfig{{Type: "float_extractor"}}}}

		if err := Save(path, cfg); err != nil {
			t.Fatalf("%s: Save: %v", name, err)
		}
		loaded, _, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load: %v", name, err)
		}
		if !reflect.DeepEqual(cfg, loaded) {
			t.Errorf("%s: round trip mismatch:\nsaved  %+v\nloaded %+v", name, cfg, loaded)
		}

		cfg.Serial.Baud = 57600
		if err := Save(path, cfg); err != nil {
			t.Fatalf("%s: second Save: %v", name, err)
		}
		backups := ListBackups(path)
		if len(backups) != 1 || backups[0].Index != 0 {
			t.Fatalf("%s: backups = %+v", name, backups)
		}

		if err := RestoreBackup(path, 0); err != nil {
			t.Fatalf("%s: RestoreBackup: %v", name, err)
		}
		restored, _, err := Load(path)
		if err != nil {
			t.Fatalf("%s: Load restored: %v", name, err)
		}
		if restored.Serial.Baud != 115200 {
			t.Errorf("%s: restored baud = %d, want 115200", name, restored.Serial.Baud)
		}
	}
}

func TestRotateBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serialmon.json")
	for i := 0; i < 4; i++ {
		if err := BackupAndWrite(path, []byte("{}"), 3); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if got := len(ListBackups(path)); got != 3 {
		t.Errorf("backups = %d, want 3", got)
	}
}

func TestWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serialmon.json")
	if err := os.WriteFile(path, []byte(`{"serial":{"baud":9600}}`), 0600); err != nil {
		t.Fatal(err)
	}

	reloaded := make(chan *Config, 16)
	id := bus.SubscribeEvent(TopicReloaded, func(e bus.Event) {
		if cfg, ok := e.Data.(*Config); ok {
			reloaded <- cfg
		}
	})
	defer bus.UnsubscribeEvent(id)

	var callbackBaud atomic.Int64
	w, err := NewWatcher(path, 50, func(cfg *Config) {
		callbackBaud.Store(int64(cfg.Serial.Baud))
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Start()
	defer w.Stop()

	// An invalid edit is ignored.
	if err := os.WriteFile(path, []byte(`{"serial":{"baud":-5}}`), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"serial":{"baud":19200}}`), 0600); err != nil {
		t.Fatal(err)
	}

	// A reload may observe the file mid-write; wait for the final content.
	timeout := time.After(3 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Serial.Baud != 19200 {
				continue
			}
		case <-timeout:
			t.Fatal("no reload event with the new baud rate")
		}
		break
	}

	if callbackBaud.Load() != 19200 || w.LastReload().IsZero() {
		t.Errorf("callback baud = %d, last reload = %v", callbackBaud.Load(), w.LastReload())
	}
}
