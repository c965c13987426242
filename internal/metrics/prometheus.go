package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// metricName is the one counter family every event is exposed under.
// Keying samples by an `event` label means new counters never need a
// registration step.
const metricName = "collabshare_relay_events_total"

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// PrometheusHandler serves the registry in Prometheus' text exposition
// format.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		events := make([]string, 0, len(snap))
		for ev := range snap {
			events = append(events, ev)
		}
		sort.Strings(events)

		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# HELP %s Internal event counters.\n", metricName)
		fmt.Fprintf(&buf, "# TYPE %s counter\n", metricName)
		for _, ev := range events {
			fmt.Fprintf(&buf, "%s{event=\"%s\"} %d\n", metricName, labelEscaper.Replace(ev), snap[ev])
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
