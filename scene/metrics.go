package scene

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments for registration runs
type Metrics struct {
	PairsTotal      *prometheus.CounterVec
	PairDuration    *prometheus.HistogramVec
	RunsTotal       *prometheus.CounterVec
	GraphNodes      prometheus.Gauge
	GraphEdges      *prometheus.GaugeVec
	OdometryGaps    prometheus.Gauge
	LastRunDuration prometheus.Gauge
}

// NewMetrics creates and registers the instruments with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PairsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fragmesh_pairs_total",
				Help: "Fragment pairs processed, by edge kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		PairDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fragmesh_pair_duration_seconds",
				Help:    "Time to register one fragment pair",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fragmesh_runs_total",
				Help: "Scene registration runs, by result",
			},
			[]string{"result"},
		),
		GraphNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fragmesh_graph_nodes",
			Help: "Nodes in the last assembled pose graph",
		}),
		GraphEdges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fragmesh_graph_edges",
				Help: "Edges in the last assembled pose graph, by edge kind",
			},
			[]string{"kind"},
		),
		OdometryGaps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fragmesh_odometry_gaps",
			Help: "Failed odometry pairs in the last run",
		}),
		LastRunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fragmesh_last_run_duration_seconds",
			Help: "Wall time of the last completed run",
		}),
	}
}

// ObservePair records one completed pair
func (m *Metrics) ObservePair(r MatchingResult) {
	outcome := "success"
	if !r.Success() {
		outcome = "failure"
	}
	m.PairsTotal.WithLabelValues(r.Key.Kind(), outcome).Inc()
	m.PairDuration.WithLabelValues(r.Key.Kind()).Observe(r.Elapsed.Seconds())
}

// ObserveRun records a finished run; s is nil when the run failed
func (m *Metrics) ObserveRun(s *Summary, err error) {
	if err != nil {
		m.RunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.RunsTotal.WithLabelValues("ok").Inc()
	m.GraphNodes.Set(float64(s.Nodes))
	m.GraphEdges.WithLabelValues(KindOdometry).Set(float64(s.OdometryEdges))
	m.GraphEdges.WithLabelValues(KindLoopClosure).Set(float64(s.LoopClosures))
	m.OdometryGaps.Set(float64(len(s.OdometryGaps)))
	m.LastRunDuration.Set(s.DurationSeconds)
}
