package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mediaflow/internal/event"
	"mediaflow/internal/stage"
)

const namespace = "mediaflow"

// Collector owns the daemon's metrics. It satisfies worker.Observer and
// dispatch.Observer.
type Collector struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	stageState    *prometheus.GaugeVec
	unitsStarted  *prometheus.CounterVec
	unitsFinished *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec
	inFlight      *prometheus.GaugeVec
	workerStarts  *prometheus.CounterVec
	workerFails   *prometheus.CounterVec
	workersLive   prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
}

// New registers every collector on a fresh registry. Runtime and process
// collectors are included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Applied stage lifecycle transitions.",
		}, []string{"stage", "from", "to"}),
		stageState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_state",
			Help:      "Current lifecycle state per stage; 1 for the active state.",
		}, []string{"stage", "state"}),
		unitsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_started_total",
			Help:      "Work units handed to a worker.",
		}, []string{"stage"}),
		unitsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_finished_total",
			Help:      "Work units settled, by result.",
		}, []string{"stage", "result"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Wall time from dispatch to settlement.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"stage"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_in_flight",
			Help:      "Work units currently dispatched.",
		}, []string{"stage"}),
		workerStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Worker processes launched.",
		}, []string{"stage"}),
		workerFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Worker processes that failed to start or exited unexpectedly.",
		}, []string{"stage", "reason"}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_live",
			Help:      "Registered worker processes still running.",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending work units per stage.",
		}, []string{"stage"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.stageState,
		c.unitsStarted,
		c.unitsFinished,
		c.unitDuration,
		c.inFlight,
		c.workerStarts,
		c.workerFails,
		c.workersLive,
		c.queueDepth,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTransition records one applied transition.
func (c *Collector) ObserveTransition(evt event.Event) {
	c.transitions.WithLabelValues(string(evt.Stage), string(evt.From), string(evt.To)).Inc()
	c.SetStageState(evt.Stage, evt.To)
}

// SetStageState marks current as the only active state of id.
func (c *Collector) SetStageState(id stage.Identity, current stage.State) {
	for _, s := range stage.States() {
		value := 0.0
		if s == current {
			value = 1
		}
		c.stageState.WithLabelValues(string(id), string(s)).Set(value)
	}
}

// Watch records transitions from events until ctx ends or the channel closes.
func (c *Collector) Watch(ctx context.Context, events <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.ObserveTransition(evt)
		}
	}
}

// SetQueueDepths replaces the pending-unit gauges.
func (c *Collector) SetQueueDepths(depths map[stage.Identity]int) {
	for _, id := range stage.All() {
		c.queueDepth.WithLabelValues(string(id)).Set(float64(depths[id]))
	}
}

func (c *Collector) UnitStarted(name string) {
	c.unitsStarted.WithLabelValues(name).Inc()
}

func (c *Collector) UnitFinished(name, result string, elapsed time.Duration) {
	c.unitsFinished.WithLabelValues(name, result).Inc()
	c.unitDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (c *Collector) InFlight(name string, count int) {
	c.inFlight.WithLabelValues(name).Set(float64(count))
}

func (c *Collector) WorkerStarted(name string) {
	c.workerStarts.WithLabelValues(name).Inc()
}

func (c *Collector) WorkerFailed(name, reason string) {
	c.workerFails.WithLabelValues(name, reason).Inc()
}

func (c *Collector) WorkersLive(n int) {
	c.workersLive.Set(float64(n))
}
