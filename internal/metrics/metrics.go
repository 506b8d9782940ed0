// Package metrics provides Prometheus collectors for a training run. There is
// no long-lived server to scrape, so collectors live on a private registry
// and are written to a node-exporter style textfile when the run finishes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector is nil-safe: every method on a nil *Collector is a no-op, so
// components can be built without metrics in tests.
type Collector struct {
	registry *prometheus.Registry

	ObjectiveEvaluations prometheus.Counter   // every objective call
	ObjectiveSentinels   *prometheus.CounterVec // calls rejected, by reason
	ObjectiveDuration    prometheus.Histogram
	BestScore            prometheus.Gauge
	RefinementAccepted   *prometheus.CounterVec // accepted flips, by stage
	StageDuration        *prometheus.GaugeVec   // wall time per pipeline stage
	SelectedFeatures     prometheus.Gauge
}

func New() *Collector {
	return NewWithRegistry(prometheus.NewRegistry())
}

func NewWithRegistry(registry *prometheus.Registry) *Collector {
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		ObjectiveEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Name: "maha_objective_evaluations_total",
			Help: "Total number of cross-validated objective evaluations",
		}),
		ObjectiveSentinels: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maha_objective_sentinels_total",
			Help: "Objective evaluations that returned a sentinel penalty",
		}, []string{"reason"}),
		ObjectiveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "maha_objective_duration_seconds",
			Help:    "Wall time of one objective evaluation",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		BestScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maha_search_best_score",
			Help: "Best objective score found by the feature search",
		}),
		RefinementAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "maha_refinement_accepted_total",
			Help: "Accepted local refinement flips",
		}, []string{"stage"}),
		StageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maha_stage_duration_seconds",
			Help: "Wall time spent in each pipeline stage",
		}, []string{"stage"}),
		SelectedFeatures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "maha_selected_features",
			Help: "Number of features in the final subset",
		}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveObjective(d time.Duration, sentinelReason string) {
	if c == nil {
		return
	}
	c.ObjectiveEvaluations.Inc()
	c.ObjectiveDuration.Observe(d.Seconds())
	if sentinelReason != "" {
		c.ObjectiveSentinels.WithLabelValues(sentinelReason).Inc()
	}
}

func (c *Collector) SetBestScore(v float64) {
	if c == nil {
		return
	}
	c.BestScore.Set(v)
}

func (c *Collector) AcceptedFlip(stage string) {
	if c == nil {
		return
	}
	c.RefinementAccepted.WithLabelValues(stage).Inc()
}

func (c *Collector) ObserveStage(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.StageDuration.WithLabelValues(stage).Set(d.Seconds())
}

func (c *Collector) SetSelectedFeatures(n int) {
	if c == nil {
		return
	}
	c.SelectedFeatures.Set(float64(n))
}

// WriteTextfile writes the current values in Prometheus text format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
