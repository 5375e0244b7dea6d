// Package telemetry exports generation engine counters to Prometheus.
package telemetry

import (
	"github.com/ashureev/itinera/internal/generation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "itinera"

// MetricsSource yields engine counters.
type MetricsSource interface {
	Metrics() generation.MetricsSnapshot
}

// Collector reads a fresh engine snapshot on every scrape.
type Collector struct {
	src MetricsSource

	requests    *prometheus.Desc
	outcomes    *prometheus.Desc
	reprompts   *prometheus.Desc
	modelErrors *prometheus.Desc
	cacheHits   *prometheus.Desc
	avgLatency  *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src MetricsSource) *Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "generation", name)
	}
	return &Collector{
		src:         src,
		requests:    prometheus.NewDesc(fq("requests_total"), "Generation requests received.", nil, nil),
		outcomes:    prometheus.NewDesc(fq("outcomes_total"), "Completed generations by result.", []string{"result"}, nil),
		reprompts:   prometheus.NewDesc(fq("reprompts_total"), "Corrective model calls issued.", nil, nil),
		modelErrors: prometheus.NewDesc(fq("model_errors_total"), "Failed model calls.", nil, nil),
		cacheHits:   prometheus.NewDesc(fq("cache_hits_total"), "Requests served from the result cache.", nil, nil),
		avgLatency:  prometheus.NewDesc(fq("avg_latency_milliseconds"), "Mean latency of completed generations.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.outcomes
	ch <- c.reprompts
	ch <- c.modelErrors
	ch <- c.cacheHits
	ch <- c.avgLatency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Metrics()

	valid := s.Successes - s.Repairs
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests))
	ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(valid), "valid")
	ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(s.Repairs), "repaired")
	ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(s.Fallbacks), "fallback")
	ch <- prometheus.MustNewConstMetric(c.reprompts, prometheus.CounterValue, float64(s.Reprompts))
	ch <- prometheus.MustNewConstMetric(c.modelErrors, prometheus.CounterValue, float64(s.ModelErrors))
	ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(s.CacheHits))
	ch <- prometheus.MustNewConstMetric(c.avgLatency, prometheus.GaugeValue, s.AvgLatencyMs)
}

// NewRegistry returns a registry with the engine collector plus the
// standard Go runtime and process collectors.
func NewRegistry(src MetricsSource) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{
		NewCollector(src),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
