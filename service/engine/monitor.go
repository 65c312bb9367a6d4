package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/itiky/parcel-sync/model"
)

var (
	eventsAppliedMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parcelsync",
		Subsystem: "engine",
		Name:      "events_applied_total",
		Help:      "Change events applied to the record store.",
	}, []string{"entity", "origin"})

	eventsRejectedMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parcelsync",
		Subsystem: "engine",
		Name:      "events_rejected_total",
		Help:      "Change events rejected by the reconciliation.",
	}, []string{"entity"})

	changesDroppedMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parcelsync",
		Subsystem: "feed",
		Name:      "changes_dropped_total",
		Help:      "Remote notifications dropped by the change feed normalization.",
	}, []string{"entity"})

	recomputesMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "parcelsync",
		Subsystem: "engine",
		Name:      "view_recomputes_total",
		Help:      "View projection recomputes.",
	}, []string{"entity"})

	viewSizeMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "parcelsync",
		Subsystem: "engine",
		Name:      "view_size",
		Help:      "Number of records in the projected view.",
	}, []string{"entity"})
)

// RegisterMetrics registers the engine collectors (already registered ones are skipped).
func RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		eventsAppliedMetric,
		eventsRejectedMetric,
		changesDroppedMetric,
		recomputesMetric,
		viewSizeMetric,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			are := prometheus.AlreadyRegisteredError{}
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}

	return nil
}

// Monitor keeps Engine stats.
type Monitor struct {
	sync.Mutex
	entity       string
	logger       *slog.Logger
	period       time.Duration
	dropped      func() int64
	lastDropped  int64
	eventsRemote int
	eventsLocal  int
	recomputes   int
	recomputeDur *movingaverage.MovingAverage
	batchSize    *movingaverage.MovingAverage
	stopCh       chan struct{}
}

// EventApplied updates the applied events metric.
func (m *Monitor) EventApplied(origin model.Origin) {
	m.Lock()
	defer m.Unlock()

	if origin == model.LocalOrigin {
		m.eventsLocal++
	} else {
		m.eventsRemote++
	}
	eventsAppliedMetric.WithLabelValues(m.entity, string(origin)).Inc()
}

// EventRejected updates the rejected events metric.
func (m *Monitor) EventRejected() {
	eventsRejectedMetric.WithLabelValues(m.entity).Inc()
}

// Recomputed updates the view recompute duration metric.
func (m *Monitor) Recomputed(dur time.Duration, jobs, viewSize int) {
	m.Lock()
	defer m.Unlock()

	m.recomputes++
	m.recomputeDur.Add(float64(dur/time.Microsecond) / 1000.0)
	m.batchSize.Add(float64(jobs))
	recomputesMetric.WithLabelValues(m.entity).Inc()
	viewSizeMetric.WithLabelValues(m.entity).Set(float64(viewSize))
}

// Start starts the Monitor worker.
func (m *Monitor) Start() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh != nil {
		return
	}

	m.stopCh = make(chan struct{})
	go m.worker(m.stopCh)
}

// Stop stops the Monitor worker.
func (m *Monitor) Stop() {
	m.Lock()
	defer m.Unlock()

	if m.stopCh == nil {
		return
	}

	close(m.stopCh)
	m.stopCh = nil
}

// worker does the actual job.
func (m *Monitor) worker(stopCh chan struct{}) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			// Stop the monitor
			return
		case <-ticker.C:
			m.report()
		}
	}
}

// report logs the period stats and resets the counters.
func (m *Monitor) report() {
	m.Lock()
	defer m.Unlock()

	if m.dropped != nil {
		dropped := m.dropped()
		if delta := dropped - m.lastDropped; delta > 0 {
			changesDroppedMetric.WithLabelValues(m.entity).Add(float64(delta))
		}
		m.lastDropped = dropped
	}

	periodSec := float64(m.period) / float64(time.Second)
	m.logger.Info("monitor",
		"entity", m.entity,
		"remoteEventsPerSec", float64(m.eventsRemote)/periodSec,
		"localEventsPerSec", float64(m.eventsLocal)/periodSec,
		"recomputesPerSec", float64(m.recomputes)/periodSec,
		"recomputeDurMs", m.recomputeDur.Avg(),
		"avgBatch", m.batchSize.Avg(),
		"droppedTotal", m.lastDropped,
	)
	m.eventsRemote = 0
	m.eventsLocal = 0
	m.recomputes = 0
}

// NewMonitor creates a new Monitor object.
func NewMonitor(entity string, period time.Duration, dropped func() int64, logger *slog.Logger) *Monitor {
	if period <= 0 {
		period = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		entity:       entity,
		logger:       logger,
		period:       period,
		dropped:      dropped,
		recomputeDur: movingaverage.New(5),
		batchSize:    movingaverage.New(5),
	}
}
