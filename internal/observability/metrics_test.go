package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/oblivion/oblivion/internal/logging"
)

func TestMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ConnectionAccepted()
	m.Observe(logging.Record{Kind: logging.KindBlocked, Category: "sqli", StatusCode: 403})
	m.Observe(logging.Record{Kind: logging.KindRateLimited, StatusCode: 429})
	m.Observe(logging.Record{Kind: logging.KindParseSmuggling, StatusCode: 400})
	m.Observe(logging.Record{Kind: logging.KindForwarded, StatusCode: 200})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, fam := range families {
		byName[fam.GetName()] = fam
	}

	if fam, ok := byName["oblivion_connections_total"]; !ok || fam.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one accepted connection")
	}
	if fam, ok := byName["oblivion_blocks_total"]; !ok || fam.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one block")
	}
	if fam, ok := byName["oblivion_ratelimit_hits_total"]; !ok || fam.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected one ratelimit hit")
	}
	if fam, ok := byName["oblivion_requests_total"]; !ok || len(fam.GetMetric()) != 4 {
		t.Fatalf("expected four request outcomes")
	}
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	m.ConnectionAccepted()
	m.Observe(logging.Record{Kind: logging.KindForwarded})
}
