package main

import (
	"context"
	"errors"

	"github.com/osjudge/osjudge/store"
	"github.com/osjudge/osjudge/supervisor"
	"github.com/osjudge/osjudge/taskqueue"
	"github.com/osjudge/osjudge/types"
	"github.com/osjudge/osjudge/worker"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "osjudge"
)

var (
	// 1s -> 10min, timeout defaults to 5min
	durationBuckets = []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120, 180, 240, 300, 360, 600}

	metricsSummaryQuantile = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

	jobCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "job_total",
		Help:      "Number of finished jobs by terminal status",
	}, []string{"status"})

	jobAbandonedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "job_abandoned_total",
		Help:      "Number of jobs whose result was not persisted by the worker",
	})

	jobTimeHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "job_duration_seconds",
		Help:      "Histogram for the job wall clock time",
		Buckets:   durationBuckets,
	}, []string{"status"})

	jobTimeSummary = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace:  metricsNamespace,
		Name:       "job_duration",
		Help:       "Summary for the job wall clock time",
		Objectives: metricsSummaryQuantile,
	}, []string{"status"})

	emulatorKilledCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "emulator_killed_total",
		Help:      "Number of emulator processes killed by cleanup sweeps",
	})

	storeErrorCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "store_error_total",
		Help:      "Number of status store operations returned error",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(jobCount, jobAbandonedCount)
	prometheus.MustRegister(jobTimeHist, jobTimeSummary)
	prometheus.MustRegister(emulatorKilledCount, storeErrorCount)
}

func registerQueueMetrics(q taskqueue.Queue) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "queue_pending",
		Help:      "Number of jobs waiting in the queue",
	}, func() float64 {
		return float64(q.Len())
	}))
}

func execObserve(ob worker.Observation) {
	if ob.Abandoned {
		jobAbandonedCount.Inc()
		return
	}
	status := ob.Result.Status.String()
	d := ob.Duration.Seconds()
	jobCount.WithLabelValues(status).Inc()
	jobTimeHist.WithLabelValues(status).Observe(d)
	jobTimeSummary.WithLabelValues(status).Observe(d)
}

func cleanupObserve(killed []supervisor.Process) {
	emulatorKilledCount.Add(float64(len(killed)))
}

var _ store.Store = &metricsStore{}

type metricsStore struct {
	store.Store
}

func newMetricsStore(s store.Store) store.Store {
	return &metricsStore{Store: s}
}

func observeStoreError(op string, err error) {
	if err != nil {
		storeErrorCount.WithLabelValues(op).Inc()
	}
}

func (m *metricsStore) Create(ctx context.Context, owner string) (int64, error) {
	id, err := m.Store.Create(ctx, owner)
	observeStoreError("create", err)
	return id, err
}

func (m *metricsStore) Update(ctx context.Context, id int64, r types.Result) error {
	err := m.Store.Update(ctx, id, r)
	observeStoreError("update", err)
	return err
}

func (m *metricsStore) Get(ctx context.Context, id int64) (store.Record, error) {
	r, err := m.Store.Get(ctx, id)
	if !errors.Is(err, store.ErrNotFound) {
		observeStoreError("get", err)
	}
	return r, err
}

func (m *metricsStore) List(ctx context.Context, owner string) ([]store.Record, error) {
	rs, err := m.Store.List(ctx, owner)
	observeStoreError("list", err)
	return rs, err
}
