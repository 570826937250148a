// Package metrics turns event bus traffic into Prometheus collectors.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"postbot/internal/eventbus"
	"postbot/internal/task/engine"
)

const namespace = "postbot"

// Gauges are read at scrape time. Nil funcs are not registered.
type Gauges struct {
	PendingTimers func() int
	StoredPosts   func() int
	QueueLen      func() int
}

type Metrics struct {
	deliveries   *prometheus.CounterVec
	givenUp      prometheus.Counter
	scheduled    prometheus.Counter
	passes       *prometheus.CounterVec
	passDuration prometheus.Histogram
	lastInvalid  prometheus.Gauge
	dropped      *prometheus.CounterVec
	taskDuration prometheus.Histogram
}

// New registers the collectors on reg. A collector that is already
// registered is reused so a second instance in one process does not fail.
func New(reg prometheus.Registerer, g Gauges) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by outcome (delivered, rate_limited, retry, unhandled).",
		}, []string{"outcome"}),
		givenUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "given_up_total",
			Help:      "Failed deliveries that were not re-armed.",
		}),
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "armed_total",
			Help:      "Timers armed, including re-arms and retries.",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "pass_duration_seconds",
			Help:      "Time spent in one reconciliation pass.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		lastInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "invalid_posts",
			Help:      "Posts with an unparseable datetime in the last pass.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "dropped_total",
			Help:      "Delivery tasks dropped before running.",
		}, []string{"reason"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "task_duration_seconds",
			Help:      "Run time of one delivery task.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if err := register(reg, &m.deliveries); err != nil {
		return nil, err
	}
	if err := register(reg, &m.givenUp); err != nil {
		return nil, err
	}
	if err := register(reg, &m.scheduled); err != nil {
		return nil, err
	}
	if err := register(reg, &m.passes); err != nil {
		return nil, err
	}
	if err := register(reg, &m.passDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &m.lastInvalid); err != nil {
		return nil, err
	}
	if err := register(reg, &m.dropped); err != nil {
		return nil, err
	}
	if err := register(reg, &m.taskDuration); err != nil {
		return nil, err
	}

	gaugeFunc := func(name, help string, fn func() int) error {
		if fn == nil {
			return nil
		}
		gf := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
		return register(reg, &gf)
	}
	if err := gaugeFunc("pending_timers", "Armed post timers.", g.PendingTimers); err != nil {
		return nil, err
	}
	if err := gaugeFunc("stored_posts", "Posts in the store.", g.StoredPosts); err != nil {
		return nil, err
	}
	if err := gaugeFunc("engine_queue_length", "Delivery tasks waiting for a worker.", g.QueueLen); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers *c, replacing it with the existing collector when one
// with the same descriptor is already there.
func register[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return nil
			}
		}
		return err
	}
	return nil
}

// Observe updates collectors from one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.PostScheduled:
		m.scheduled.Inc()
	case eventbus.PostDelivered, eventbus.PostRetry, eventbus.PostFailed:
		if pe, ok := e.Data.(eventbus.PostEvent); ok && pe.Outcome != "" {
			m.deliveries.WithLabelValues(pe.Outcome).Inc()
		}
		if e.Type == eventbus.PostFailed {
			m.givenUp.Inc()
		}
	case eventbus.ReconcilePass:
		pe, ok := e.Data.(eventbus.PassEvent)
		if !ok {
			return
		}
		result := "ok"
		if pe.Error != "" {
			result = "error"
		}
		m.passes.WithLabelValues(result).Inc()
		m.passDuration.Observe(pe.Took.Seconds())
		m.lastInvalid.Set(float64(pe.Invalid))
	case eventbus.TaskDropped:
		if te, ok := e.Data.(engine.TaskEvent); ok {
			m.dropped.WithLabelValues(te.Error).Inc()
		}
	case eventbus.TaskFinished:
		if te, ok := e.Data.(engine.TaskEvent); ok {
			m.taskDuration.Observe(te.Duration.Seconds())
		}
	}
}

// Run feeds Observe from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
