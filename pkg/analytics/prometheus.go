package analytics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// PrometheusExporter exports metrics in Prometheus format
type PrometheusExporter struct {
	registry *MetricsRegistry
	mu       sync.RWMutex
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(registry *MetricsRegistry) *PrometheusExporter {
	return &PrometheusExporter{
		registry: registry,
	}
}

// ServeHTTP serves metrics in Prometheus format
func (pe *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics := pe.collectMetrics()
	output := pe.formatPrometheusMetrics(metrics)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(output))
}

// collectMetrics collects all metrics from the registry
func (pe *PrometheusExporter) collectMetrics() []Metric {
	pe.mu.RLock()
	defer pe.mu.RUnlock()

	var allMetrics []Metric

	if pe.registry != nil {
		snapshots := pe.registry.GetAllSnapshots()
		for _, snapshot := range snapshots {
			for _, metric := range snapshot.GetAll() {
				allMetrics = append(allMetrics, metric)
			}
		}
	}

	return allMetrics
}

// formatPrometheusMetrics formats metrics in Prometheus exposition format
func (pe *PrometheusExporter) formatPrometheusMetrics(metrics []Metric) string {
	var sb strings.Builder

	metricsByName := make(map[string][]Metric)
	for _, metric := range metrics {
		metricsByName[metric.Name] = append(metricsByName[metric.Name], metric)
	}

	names := make([]string, 0, len(metricsByName))
	for name := range metricsByName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		metricsGroup := metricsByName[name]
		if len(metricsGroup) == 0 {
			continue
		}

		if metricsGroup[0].Help != "" {
			sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, metricsGroup[0].Help))
		}

		prometheusType := pe.convertMetricType(metricsGroup[0].Type)
		sb.WriteString(fmt.Sprintf("# TYPE %s %s\n", name, prometheusType))

		for _, metric := range metricsGroup {
			sb.WriteString(pe.formatMetricLine(metric))
		}

		sb.WriteString("\n")
	}

	return sb.String()
}

// convertMetricType converts internal metric type to Prometheus type
func (pe *PrometheusExporter) convertMetricType(metricType MetricType) string {
	switch metricType {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "untyped"
	}
}

// formatMetricLine formats a single metric line in Prometheus format
func (pe *PrometheusExporter) formatMetricLine(metric Metric) string {
	var sb strings.Builder

	sb.WriteString(metric.Name)

	if len(metric.Labels) > 0 {
		sb.WriteString(pe.formatLabels(metric.Labels))
	}

	sb.WriteString(fmt.Sprintf(" %v", metric.Value))

	if !metric.Timestamp.IsZero() {
		sb.WriteString(fmt.Sprintf(" %d", metric.Timestamp.UnixMilli()))
	}

	sb.WriteString("\n")

	if metric.Type == MetricTypeHistogram && metric.Metadata != nil {
		if count, ok := metric.Metadata["count"].(int); ok {
			sb.WriteString(fmt.Sprintf("%s_count", metric.Name))
			if len(metric.Labels) > 0 {
				sb.WriteString(pe.formatLabels(metric.Labels))
			}
			sb.WriteString(fmt.Sprintf(" %d\n", count))
		}

		if sum, ok := metric.Metadata["sum"].(float64); ok {
			sb.WriteString(fmt.Sprintf("%s_sum", metric.Name))
			if len(metric.Labels) > 0 {
				sb.WriteString(pe.formatLabels(metric.Labels))
			}
			sb.WriteString(fmt.Sprintf(" %v\n", sum))
		}
	}

	return sb.String()
}

// formatLabels formats labels in Prometheus format
func (pe *PrometheusExporter) formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("{")

	labelKeys := make([]string, 0, len(labels))
	for k := range labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)

	first := true
	for _, k := range labelKeys {
		if !first {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%s=\"%s\"", k, escapeString(labels[k])))
		first = false
	}

	sb.WriteString("}")
	return sb.String()
}

// escapeString escapes special characters in label values
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics
func (pe *PrometheusExporter) PrometheusHandler() http.Handler {
	return http.HandlerFunc(pe.ServeHTTP)
}
