// Package metrics holds the Prometheus collectors of the host. Collectors are
// registered lazily with the default registry the first time they are used.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "macrohost"

// PluginMetrics covers the plugin registry.
type PluginMetrics struct {
	loaded    prometheus.Gauge
	lifecycle *prometheus.CounterVec
	events    *prometheus.CounterVec
	reloads   *prometheus.CounterVec
}

// ActionMetrics covers action execution.
type ActionMetrics struct {
	executions *prometheus.CounterVec
	durations  prometheus.Observer
}

// MacroMetrics covers the macro engine.
type MacroMetrics struct {
	runs      *prometheus.CounterVec
	active    prometheus.Gauge
	steps     prometheus.Counter
	durations prometheus.Observer
}

var (
	pluginOnce sync.Once
	pluginInst *PluginMetrics

	actionOnce sync.Once
	actionInst *ActionMetrics

	macroOnce sync.Once
	macroInst *MacroMetrics
)

// Plugins returns the process-wide plugin collectors.
func Plugins() *PluginMetrics {
	pluginOnce.Do(func() {
		pluginInst = &PluginMetrics{
			loaded: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "plugins",
				Name:      "loaded",
				Help:      "Plugins currently loaded",
			}),
			lifecycle: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plugins",
				Name:      "lifecycle_total",
				Help:      "Plugin lifecycle operations, labeled by operation and result",
			}, []string{"op", "result"}),
			events: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plugins",
				Name:      "events_total",
				Help:      "Events delivered to plugins, labeled by result",
			}, []string{"result"}),
			reloads: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "plugins",
				Name:      "reloads_total",
				Help:      "Plugin hot reloads, labeled by result",
			}, []string{"result"}),
		}
	})
	return pluginInst
}

// Actions returns the process-wide action collectors.
func Actions() *ActionMetrics {
	actionOnce.Do(func() {
		actionInst = &ActionMetrics{
			executions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "executions_total",
				Help:      "Action executions, labeled by result (success, failure, error, rejected)",
			}, []string{"result"}),
			durations: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "actions",
				Name:      "execution_duration_seconds",
				Help:      "Duration of action executions",
				Buckets:   prometheus.DefBuckets,
			}),
		}
	})
	return actionInst
}

// Macros returns the process-wide macro collectors.
func Macros() *MacroMetrics {
	macroOnce.Do(func() {
		macroInst = &MacroMetrics{
			runs: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "macros",
				Name:      "runs_total",
				Help:      "Finished macro runs, labeled by final state (completed, failed, stopped)",
			}, []string{"state"}),
			active: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "macros",
				Name:      "active",
				Help:      "Macro runs in progress",
			}),
			steps: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "macros",
				Name:      "steps_total",
				Help:      "Actions executed by the macro runner",
			}),
			durations: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "macros",
				Name:      "run_duration_seconds",
				Help:      "Duration of macro runs",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 120},
			}),
		}
	})
	return macroInst
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// SetLoaded records the number of loaded plugins.
func (m *PluginMetrics) SetLoaded(n int) {
	if m == nil {
		return
	}
	m.loaded.Set(float64(n))
}

// RecordLifecycle counts a lifecycle operation such as "load" or "start".
func (m *PluginMetrics) RecordLifecycle(op string, err error) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(op, resultLabel(err)).Inc()
}

// RecordEvent counts one event delivery. Throttled deliveries use "dropped".
func (m *PluginMetrics) RecordEvent(result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(result).Inc()
}

// RecordReload counts a reload attempt.
func (m *PluginMetrics) RecordReload(err error) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(resultLabel(err)).Inc()
}

// RecordExecution counts an action execution and observes its duration.
func (m *ActionMetrics) RecordExecution(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(result).Inc()
	m.durations.Observe(elapsed.Seconds())
}

// RunStarted marks a run as active and returns the function that finishes it
// with its final state.
func (m *MacroMetrics) RunStarted() func(state string) {
	if m == nil {
		return func(string) {}
	}
	m.active.Inc()
	timer := prometheus.NewTimer(m.durations)
	return func(state string) {
		m.active.Dec()
		timer.ObserveDuration()
		m.runs.WithLabelValues(state).Inc()
	}
}

// RecordStep counts one executed macro action.
func (m *MacroMetrics) RecordStep() {
	if m == nil {
		return
	}
	m.steps.Inc()
}
