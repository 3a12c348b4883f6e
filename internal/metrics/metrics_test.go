package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/curves/{curveID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		req := httptest.NewRequest(http.MethodGet, "/curves/"+id, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}

	// Three distinct IDs collapse into the single pattern label.
	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/curves/{curveID}", "200"))
	if got != 3 {
		t.Errorf("requests for pattern label = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(HTTPRequestsTotal, "curve_http_requests_total"); n != 1 {
		t.Errorf("label series = %d, want 1 (raw paths must not become labels)", n)
	}
}
