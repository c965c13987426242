package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusExposition(t *testing.T) {
	m := New()
	m.Inc(RoomsCreated)
	m.Inc(JoinsAccepted)
	m.Inc(JoinsAccepted)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE collabshare_relay_events_total counter",
		`collabshare_relay_events_total{event="rooms_created"} 1`,
		`collabshare_relay_events_total{event="joins_accepted"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := New()
	m.Add(ChatBroadcast, 3)
	snap := m.Snapshot()
	snap[ChatBroadcast] = 99
	if got := m.Get(ChatBroadcast); got != 3 {
		t.Fatalf("counter = %d, want 3", got)
	}
}
