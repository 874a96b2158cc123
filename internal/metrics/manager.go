// Package metrics keeps in-process counters about channels, sources and
// pipelines, and persists pipeline samples to sqlite.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/serialmon/internal/bus"
	. "github.com/roelfdiedericks/serialmon/internal/logging"
	"github.com/roelfdiedericks/serialmon/internal/toggle"
)

// Manager holds every metric by path ("topic/function").
type Manager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	gauges      map[string]*GaugeMetric
	successFail map[string]*SuccessFailMetric

	transitions map[string]time.Time // channel -> busy event time
	completions map[string]time.Time // channel -> idle event seen before its busy event
	subs        []bus.SubscriptionID
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the process-wide metrics manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = NewManager()
	})
	return instance
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		timings:     make(map[string]*TimingMetric),
		counters:    make(map[string]*CounterMetric),
		gauges:      make(map[string]*GaugeMetric),
		successFail: make(map[string]*SuccessFailMetric),
		transitions: make(map[string]time.Time),
		completions: make(map[string]time.Time),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration directly
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{Min: duration, Max: duration}
		m.timings[path] = metric
	}

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}
}

// IncrementCounter increments a counter by 1
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.addCounterPath(buildPath(topic, function), delta)
}

func (m *Manager) addCounterPath(path string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	metric.Value += delta
	metric.Last = time.Now()
}

// Counter returns a counter's value, 0 when unknown.
func (m *Manager) Counter(topic, function string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[buildPath(topic, function)]; ok {
		return c.Value
	}
	return 0
}

// Counters returns every counter value by path.
func (m *Manager) Counters() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for path, c := range m.counters {
		out[path] = c.Value
	}
	return out
}

// SetGauge sets a gauge value
func (m *Manager) SetGauge(topic, function string, value float64) {
	path := buildPath(topic, function)

	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.gauges[path]
	if !exists {
		metric = &GaugeMetric{Min: value, Max: value}
		m.gauges[path] = metric
	}
	metric.Value = value
	metric.Last = time.Now()
	if value < metric.Min {
		metric.Min = value
	}
	if value > metric.Max {
		metric.Max = value
	}
}

// RecordSuccess records a successful operation
func (m *Manager) RecordSuccess(topic, function string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric := m.successFailLocked(buildPath(topic, function))
	metric.Success++
	metric.LastSuccess = time.Now()
}

// RecordFailure records a failed operation
func (m *Manager) RecordFailure(topic, function, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric := m.successFailLocked(buildPath(topic, function))
	metric.Failures++
	metric.LastFailure = time.Now()
	if reason != "" {
		metric.FailureReasons[reason]++
	}
}

func (m *Manager) successFailLocked(path string) *SuccessFailMetric {
	metric, exists := m.successFail[path]
	if !exists {
		metric = &SuccessFailMetric{FailureReasons: make(map[string]int64)}
		m.successFail[path] = metric
	}
	return metric
}

// Snapshot returns a point-in-time copy of every metric by path.
func (m *Manager) Snapshot() map[string]*MetricSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshots := make(map[string]*MetricSnapshot)

	for path, metric := range m.timings {
		avg := float64(0)
		if metric.Count > 0 {
			avg = float64(metric.Total) / float64(metric.Count) / float64(time.Millisecond)
		}
		snapshots[path] = &MetricSnapshot{
			Path:   path,
			Type:   TypeTiming,
			Health: getTimingHealth(avg),
			Data: TimingSnapshot{
				Count:  metric.Count,
				AvgMs:  avg,
				MinMs:  float64(metric.Min) / float64(time.Millisecond),
				MaxMs:  float64(metric.Max) / float64(time.Millisecond),
				LastMs: float64(metric.Last) / float64(time.Millisecond),
			},
		}
	}

	for path, metric := range m.counters {
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeCounter,
			Data: CounterSnapshot{Value: metric.Value},
		}
	}

	for path, metric := range m.gauges {
		snapshots[path] = &MetricSnapshot{
			Path: path,
			Type: TypeGauge,
			Data: GaugeSnapshot{Value: metric.Value, Min: metric.Min, Max: metric.Max},
		}
	}

	for path, metric := range m.successFail {
		total := metric.Success + metric.Failures
		rate := float64(100)
		if total > 0 {
			rate = float64(metric.Success) / float64(total) * 100
		}
		reasons := make(map[string]int64, len(metric.FailureReasons))
		for k, v := range metric.FailureReasons {
			reasons[k] = v
		}
		snapshots[path] = &MetricSnapshot{
			Path:   path,
			Type:   TypeSuccessFail,
			Health: getSuccessRateHealth(rate),
			Data: SuccessFailSnapshot{
				Success:        metric.Success,
				Failures:       metric.Failures,
				SuccessRate:    rate,
				FailureReasons: reasons,
			},
		}
	}

	return snapshots
}

// Paths returns every metric path, sorted.
func (m *Manager) Paths() []string {
	snap := m.Snapshot()
	paths := make([]string, 0, len(snap))
	for p := range snap {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Observe counts transitions, drops and backend failures of a channel
// from its bus events, and times each transition.
func (m *Manager) Observe(channel string) {
	topic := "toggle/" + channel

	onState := bus.SubscribeEvent(toggle.TopicState(channel), func(e bus.Event) {
		state, ok := e.Data.(toggle.State)
		if !ok {
			return
		}
		if !state.Busy {
			m.IncrementCounter(topic, "transitions")
		}
		if d, ok := m.pairTransition(channel, state.Busy, e.Timestamp); ok {
			m.RecordDuration(topic, "transition", d)
		}
	})

	onDropped := bus.SubscribeEvent(toggle.TopicDropped(channel), func(e bus.Event) {
		m.IncrementCounter(topic, "dropped")
	})

	onFailed := bus.SubscribeEvent(toggle.TopicFailed(channel), func(e bus.Event) {
		reason, _ := e.Data.(string)
		m.RecordFailure(topic, "backend", reason)
	})

	m.track(onState, onDropped, onFailed)
	L_debug("metrics: observing channel", "channel", channel)
}

// pairTransition matches the busy and idle events of one transition, which
// may be delivered in either order, and returns the time between them.
func (m *Manager) pairTransition(channel string, busy bool, at time.Time) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if busy {
		if end, ok := m.completions[channel]; ok && !end.Before(at) {
			delete(m.completions, channel)
			return end.Sub(at), true
		}
		m.transitions[channel] = at
		return 0, false
	}

	if start, ok := m.transitions[channel]; ok {
		delete(m.transitions, channel)
		return at.Sub(start), true
	}
	m.completions[channel] = at
	return 0, false
}

// ObserveSources records source start successes and failures, and stops.
func (m *Manager) ObserveSources() {
	id := bus.SubscribePrefix("sources.", func(e bus.Event) {
		rest := strings.TrimPrefix(e.Topic, "sources.")
		dot := strings.LastIndex(rest, ".")
		if dot <= 0 {
			return
		}
		source, action := rest[:dot], rest[dot+1:]
		topic := "source/" + source

		switch action {
		case "started":
			m.RecordSuccess(topic, "start")
		case "failed":
			reason, _ := e.Data.(string)
			m.RecordFailure(topic, "start", reason)
		case "stopped":
			m.IncrementCounter(topic, "stops")
		}
	})
	m.track(id)
}

// ObservePipelines counts samples per metric name and keeps the last value as a gauge.
func (m *Manager) ObservePipelines() {
	id := bus.SubscribePrefix("metrics::", func(e bus.Event) {
		sample, ok := sampleOf(e.Data)
		if !ok {
			return
		}
		pipelineID := strings.TrimPrefix(e.Topic, "metrics::")
		topic := "pipeline/" + pipelineID
		m.IncrementCounter(topic, "samples")
		m.SetGauge(topic, sample.Name, sample.Value)
	})
	m.track(id)
}

func (m *Manager) track(ids ...bus.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ids...)
}

// Stop removes every bus subscription made by the Observe methods.
func (m *Manager) Stop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, id := range subs {
		bus.UnsubscribeEvent(id)
	}
}

// getTimingHealth determines health based on timing
func getTimingHealth(avgMs float64) HealthStatus {
	if avgMs > 5000 {
		return HealthCritical
	}
	if avgMs > 1000 {
		return HealthWarning
	}
	return HealthGood
}

// getSuccessRateHealth determines health based on success rate
func getSuccessRateHealth(rate float64) HealthStatus {
	if rate < 50 {
		return HealthCritical
	}
	if rate < 90 {
		return HealthWarning
	}
	return HealthGood
}
