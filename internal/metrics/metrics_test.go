package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()

	r.IncrementCounter(MessagesSent, nil, "sent")
	r.AddToCounter(MessagesSent, 2, nil, "sent")
	r.IncrementCounter(WebhookDeliveries, map[string]string{"outcome": "success"}, "")
	r.IncrementCounter(WebhookDeliveries, map[string]string{"outcome": "failure"}, "")

	assert.Equal(t, 3.0, r.CounterValue(MessagesSent, nil))
	assert.Equal(t, 1.0, r.CounterValue(WebhookDeliveries, map[string]string{"outcome": "success"}))
	assert.Equal(t, 0.0, r.CounterValue("missing", nil))

	snap := r.GetAllMetrics()
	assert.Len(t, snap.Counters, 3)
}

func TestRegistry_LabelOrderDoesNotMatter(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 20; i++ {
		r.IncrementCounter("c", map[string]string{"a": "1", "b": "2", "c": "3"}, "")
	}
	assert.Equal(t, 20.0, r.CounterValue("c", map[string]string{"c": "3", "b": "2", "a": "1"}))
	assert.Len(t, r.GetAllMetrics().Counters, 1)
}

func TestRegistry_Timers(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 20; i++ {
		r.RecordTimer(SendLatency, time.Duration(i)*time.Millisecond, nil, "")
	}

	snap := r.GetAllMetrics()
	timer, ok := snap.Timers[SendLatency]
	require.True(t, ok)
	assert.Equal(t, int64(20), timer.Count)
	assert.Equal(t, 1.0, timer.Min)
	assert.Equal(t, 20.0, timer.Max)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.Equal(t, 20.0, timer.P95)
	assert.Nil(t, timer.samples)
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()
	r.SetGauge(SessionState, 1, nil, "")
	r.SetGauge(SessionState, 4, nil, "")

	v, ok := r.GaugeValue(SessionState, nil)
	assert.True(t, ok)
	assert.Equal(t, 4.0, v)

	_, ok = r.GaugeValue("missing", nil)
	assert.False(t, ok)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter("c", nil, "")
	r.Reset()
	assert.Empty(t, r.GetAllMetrics().Counters)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncrementCounter("c", map[string]string{"k": "v"}, "")
			r.RecordTimer("t", time.Millisecond, nil, "")
			r.SetGauge("g", 1, nil, "")
			_ = r.GetAllMetrics()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50.0, r.CounterValue("c", map[string]string{"k": "v"}))
}
