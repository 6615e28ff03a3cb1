package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const metricName = "conference_signaling_events_total"

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters surface as one metric with an `event` label, which keeps the
// in-process registry trivial while still being scrapeable.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", metricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", metricName)
		for _, k := range keys {
			escaped := strings.NewReplacer("\\", "\\\\", "\"", "\\\"").Replace(k)
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", metricName, escaped, snap[k])
		}
	})
}
