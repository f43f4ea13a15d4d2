package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPluginMetrics(t *testing.T) {
	m := Plugins()
	assert.Same(t, m, Plugins())

	m.SetLoaded(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.loaded))

	before := testutil.ToFloat64(m.lifecycle.WithLabelValues("start", "error"))
	m.RecordLifecycle("start", errors.New("boom"))
	assert.Equal(t, before+1, testutil.ToFloat64(m.lifecycle.WithLabelValues("start", "error")))
}

func TestMacroRunLifecycle(t *testing.T) {
	m := Macros()
	done := m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))

	before := testutil.ToFloat64(m.runs.WithLabelValues("completed"))
	done("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.active))
	assert.Equal(t, before+1, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
}

func TestNilReceivers(t *testing.T) {
	var p *PluginMetrics
	var a *ActionMetrics
	var m *MacroMetrics

	assert.NotPanics(t, func() {
		p.SetLoaded(1)
		p.RecordEvent("ok")
		a.RecordExecution("ok", time.Millisecond)
		m.RunStarted()("stopped")
		m.RecordStep()
	})
}
