package lmap

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alessandrocornacchia/uview/pkg/codec"
)

// ExportCollector adapts an LMAP's latest scrape into a prometheus.Collector,
// caching one Desc per distinct metric name the way the teacher's collector
// package caches its scrape Descs, and labeling each sample with pod_id and
// collector_id the way the reference collect() does.
type ExportCollector struct {
	lmap *LMAP
}

// NewExportCollector wraps lmap for registration with a prometheus.Registry.
func NewExportCollector(l *LMAP) *ExportCollector {
	return &ExportCollector{lmap: l}
}

// Describe is a no-op: Desc identity depends on metric names only known
// after the first scrape, so this collector is unchecked, matching the
// reference implementation's dynamically-named per-metric families.
func (e *ExportCollector) Describe(ch chan<- *prometheus.Desc) {}

// Collect emits one counter or gauge sample per decoded metric from the
// LMAP's latest scrape, named "uview_<collector_id>_<metric_name>".
func (e *ExportCollector) Collect(ch chan<- prometheus.Metric) {
	e.lmap.mu.Lock()
	metrics := e.lmap.latest
	e.lmap.mu.Unlock()

	for _, m := range metrics {
		desc := e.desc(m.name, m.typ)

		valueType := prometheus.GaugeValue
		if m.typ == codec.Counter {
			valueType = prometheus.CounterValue
		}

		metric, err := prometheus.NewConstMetric(desc, valueType, m.value, m.podID, e.lmap.ID)
		if err != nil {
			continue
		}

		ch <- metric
	}
}

func (e *ExportCollector) desc(name string, typ codec.RecordType) *prometheus.Desc {
	e.lmap.descsMu.Lock()
	defer e.lmap.descsMu.Unlock()

	key := fmt.Sprintf("uview_%s_%s", sanitizeMetricName(e.lmap.ID), sanitizeMetricName(name))

	if d, ok := e.lmap.descs[key]; ok {
		return d
	}

	d := prometheus.NewDesc(
		key,
		fmt.Sprintf("%s metric %s", typ.String(), name),
		[]string{"pod_id", "collector_id"},
		nil,
	)

	e.lmap.descs[key] = d

	return d
}

// sanitizeMetricName maps arbitrary producer-supplied name bytes onto the
// exposition format's allowed character set. Page names are opaque byte
// strings, so anything can show up here.
func sanitizeMetricName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, s)
}
