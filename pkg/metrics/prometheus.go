package metrics

import (
	"bufio"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// DefaultNamespace prefixes exported metric names.
const DefaultNamespace = "llp"

const promContentType = "text/plain; version=0.0.4; charset=utf-8"

// PrometheusExporter renders a Collector in the Prometheus text exposition
// format.
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter exports c with every name prefixed by namespace
// and an underscore. An empty namespace selects DefaultNamespace.
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &PrometheusExporter{collector: c, namespace: namespace}
}

func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", promContentType)
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes one exposition of the collector's current snapshot.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	snap := e.collector.Snapshot()
	pw := &promWriter{w: bufio.NewWriter(w), ns: e.namespace, labels: promLabels(snap.Labels)}

	pw.gauge("sessions_active", "Sessions currently established", float64(snap.SessionsActive))
	pw.gauge("streams_active", "Streams currently open", float64(snap.StreamsActive()))
	pw.gauge("uptime_seconds", "Seconds since the collector was created", snap.Uptime.Seconds())

	for c := Counter(0); c < numCounters; c++ {
		pw.counter(counters[c].name, counters[c].help, snap.Count(c))
	}
	for t := Timing(0); t < numTimings; t++ {
		pw.histogram(timings[t].name, timings[t].help, snap.Timing(t))
	}
	_ = pw.w.Flush()
}

// promWriter emits metric families sharing one namespace and label set.
type promWriter struct {
	w      *bufio.Writer
	ns     string
	labels string // rendered, without braces
}

func (p *promWriter) header(name, typ, help string) {
	full := p.ns + "_" + name
	p.w.WriteString("# HELP " + full + " " + help + "\n")
	p.w.WriteString("# TYPE " + full + " " + typ + "\n")
}

// sample writes name{labels,extra} value.
func (p *promWriter) sample(name, extra, value string) {
	p.w.WriteString(p.ns)
	p.w.WriteByte('_')
	p.w.WriteString(name)
	switch {
	case p.labels != "" && extra != "":
		p.w.WriteString("{" + p.labels + "," + extra + "}")
	case p.labels != "":
		p.w.WriteString("{" + p.labels + "}")
	case extra != "":
		p.w.WriteString("{" + extra + "}")
	}
	p.w.WriteByte(' ')
	p.w.WriteString(value)
	p.w.WriteByte('\n')
}

func (p *promWriter) gauge(name, help string, v float64) {
	p.header(name, "gauge", help)
	p.sample(name, "", promFloat(v))
}

func (p *promWriter) counter(name, help string, v uint64) {
	p.header(name, "counter", help)
	p.sample(name, "", strconv.FormatUint(v, 10))
}

func (p *promWriter) histogram(name, help string, h HistogramSummary) {
	p.header(name, "histogram", help)
	for _, b := range h.Buckets {
		p.sample(name+"_bucket", `le="`+promFloat(b.UpperBound)+`"`, strconv.FormatUint(b.Count, 10))
	}
	p.sample(name+"_sum", "", promFloat(h.Sum))
	p.sample(name+"_count", "", strconv.FormatUint(h.Count, 10))
}

func promFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var promEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// promLabels renders labels sorted by name.
func promLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		promEscaper.WriteString(&b, labels[k])
		b.WriteByte('"')
	}
	return b.String()
}
