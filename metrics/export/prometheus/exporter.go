package prometheus

import (
	"fmt"
	"net/http"
	"strings"

	otpforge "github.com/otpforge/otpforge"
	"github.com/otpforge/otpforge/metrics/export/internaldefs"
)

// metricsSource is the slice of the engine the exporter reads. Keeping it an
// interface lets tests feed canned snapshots.
type metricsSource interface {
	MetricsSnapshot() otpforge.MetricsSnapshot
	AuditDropped() uint64
}

// helpEscaper covers the two characters the text format requires escaping in
// HELP lines.
var helpEscaper = strings.NewReplacer("\\", "\\\\", "\n", "\\n")

// PrometheusExporter renders otpforge metrics in Prometheus text exposition format.
type PrometheusExporter struct {
	source metricsSource
}

// NewPrometheusExporter creates a Prometheus exporter that reads from the given [otpforge.Engine].
func NewPrometheusExporter(engine *otpforge.Engine) *PrometheusExporter {
	return &PrometheusExporter{source: engine}
}

// NewPrometheusExporterFromSource creates a Prometheus exporter from a
// custom metrics source.
func NewPrometheusExporterFromSource(source metricsSource) *PrometheusExporter {
	return &PrometheusExporter{source: source}
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (p *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(p.Render()))
	})
}

// Render produces the full exposition text. A fully idle engine with metrics
// disabled and nothing dropped renders empty, so a scrape of a disabled
// engine does not report zero-valued series as live.
func (p *PrometheusExporter) Render() string {
	if p == nil || p.source == nil {
		return ""
	}
	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var b strings.Builder
	b.Grow(8192)
	for _, def := range internaldefs.CounterDefs {
		renderCounter(&b, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		cumulative := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID]))
		renderHistogram(&b, def.Name, def.Help, cumulative)
	}
	renderCounter(&b, "otpforge_audit_dropped_total", "Dropped audit events due to dispatcher backpressure.", dropped)
	return b.String()
}

func renderHeader(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, helpEscaper.Replace(help), name, kind)
}

func renderCounter(b *strings.Builder, name, help string, value uint64) {
	renderHeader(b, name, help, "counter")
	fmt.Fprintf(b, "%s %d\n", name, value)
}

func renderHistogram(b *strings.Builder, name, help string, cumulative [8]uint64) {
	renderHeader(b, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		fmt.Fprintf(b, "%s_bucket{le=%q} %d\n", name, le, cumulative[i])
	}
	fmt.Fprintf(b, "%s_count %d\n", name, cumulative[len(cumulative)-1])
	// The core snapshot carries no sum; the field stays at zero so parsers
	// expecting the full bucket/count/sum triplet keep working.
	fmt.Fprintf(b, "%s_sum 0\n", name)
}
