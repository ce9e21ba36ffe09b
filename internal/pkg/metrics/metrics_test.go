package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetStateKeepsOneActiveState(t *testing.T) {
	SetState("logging")
	SetState("executing")

	if got := testutil.ToFloat64(SessionState.WithLabelValues("executing")); got != 1 {
		t.Errorf("executing = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(SessionState); got != 1 {
		t.Errorf("active series = %d, want 1", got)
	}
}

func TestRegistryGathers(t *testing.T) {
	CleanupsTotal.Inc()

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "flightgate_cleanups_total" {
			found = true
		}
	}
	if !found {
		t.Error("flightgate_cleanups_total not registered")
	}
}
