package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersAppearInExposition(t *testing.T) {
	m := New()
	m.TxStaged.Add(3)
	m.TxFlooded.Inc()
	m.RegisteredPeers.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(body)
	for _, want := range []string{
		"erlaynet_tx_staged_total 3",
		"erlaynet_tx_flooded_total 1",
		"erlaynet_registered_peers 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q:\n%s", want, out)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.TxStaged.Inc()
	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Result().Body)
	if strings.Contains(string(body), "erlaynet_tx_staged_total 1") {
		t.Fatalf("registries leaked state across instances")
	}
}
