// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package promexport exports the metrics of rtps participants to Prometheus.
//
// A participant keeps its metrics in an [expvar.Map]. A [Collector] reads
// such a map each time it is collected, so values added to the map by the
// caller are exported along with those maintained by the participant.
package promexport

import (
	"expvar"
	"net/http"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/rtps"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace is the metric namespace used by [ForParticipant].
const DefaultNamespace = "rtps"

// A Collector is a [prometheus.Collector] for the integer and float entries
// of an expvar map. Entries named as gauges are exported as gauges, all
// others as counters. Entries of other types are skipped.
//
// A Collector is unchecked: its set of metrics is not known in advance.
type Collector struct {
	namespace string
	labels    prometheus.Labels
	gauges    mapset.Set[string]
	m         *expvar.Map
}

// NewCollector constructs a collector for m. The names of the exported
// metrics are the keys of m, prefixed by namespace if it is not empty. Each
// metric carries the given constant labels.
func NewCollector(namespace string, m *expvar.Map, labels prometheus.Labels, gauges ...string) *Collector {
	return &Collector{
		namespace: namespace,
		labels:    labels,
		gauges:    mapset.New(gauges...),
		m:         m,
	}
}

// ForParticipant constructs a collector for the metrics of p, labelled with
// its GUID prefix and name.
func ForParticipant(p *rtps.Participant) *Collector {
	return NewCollector(DefaultNamespace, p.Metrics(), prometheus.Labels{
		"participant": p.GUIDPrefix().String(),
		"name":        p.Name(),
	}, rtps.GaugeMetrics...)
}

// Describe implements a method of [prometheus.Collector]. It sends no
// descriptors, marking c as unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements a method of [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		var v float64
		switch t := kv.Value.(type) {
		case *expvar.Int:
			v = float64(t.Value())
		case *expvar.Float:
			v = t.Value()
		default:
			return
		}
		vt := prometheus.CounterValue
		if c.gauges.Has(kv.Key) {
			vt = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", kv.Key),
			"Participant metric "+kv.Key+".",
			nil, c.labels,
		)
		ch <- prometheus.MustNewConstMetric(desc, vt, v)
	})
}

// Handler returns an HTTP handler that serves the metrics of the given
// collectors in the Prometheus exposition format.
func Handler(cs ...prometheus.Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(cs...)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
