package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveInvocation(t *testing.T) {
	m := New()
	m.ObserveInvocation("pagerduty.ack", "mock", nil, 20*time.Millisecond)
	m.ObserveInvocation("pagerduty.ack", "mock", nil, 30*time.Millisecond)
	m.ObserveInvocation("k8s.drain_node", "live", errors.New("boom"), 5*time.Millisecond)

	ok := testutil.ToFloat64(m.AdapterCalls.WithLabelValues("pagerduty.ack", "mock", "ok"))
	if ok != 2 {
		t.Fatalf("ok invocations = %v, want 2", ok)
	}
	failed := testutil.ToFloat64(m.AdapterCalls.WithLabelValues("k8s.drain_node", "live", "error"))
	if failed != 1 {
		t.Fatalf("error invocations = %v, want 1", failed)
	}
}

func TestScrapeEndpoint(t *testing.T) {
	m := New()
	m.HTTPRequests.WithLabelValues("POST", "/api/v1/runs", "202").Inc()
	m.RateLimitDropped.Inc()
	m.PolicyBlocks.WithLabelValues("k8s.drain_node").Inc()
	m.RunsFinished.WithLabelValues("succeeded").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`praetor_http_requests_total{code="202",method="POST",route="/api/v1/runs"} 1`,
		`praetor_rate_limit_dropped_total 1`,
		`praetor_policy_blocks_total{tool="k8s.drain_node"} 1`,
		`praetor_runs_finished_total{status="succeeded"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestRegistryIsIsolated(t *testing.T) {
	// Two instances must not collide the way the default registry would.
	a := New()
	b := New()
	a.RateLimitDropped.Inc()
	if got := testutil.ToFloat64(b.RateLimitDropped); got != 0 {
		t.Fatalf("registries shared state: %v", got)
	}
}
