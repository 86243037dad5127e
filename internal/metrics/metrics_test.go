package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	reg := New()
	r := chi.NewRouter()
	r.Use(reg.Middleware)
	r.Get("/customers/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/customers/"+id, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.requests.WithLabelValues("/customers/{id}", http.MethodGet, "404")))
}

func TestDomainCounters(t *testing.T) {
	reg := New()
	reg.ObserveCheckout("cash", decimal.RequireFromString("12.50"))
	reg.ObserveCheckout("cash", decimal.RequireFromString("7.50"))
	reg.ObserveTransition("renew", "active")
	reg.ObserveBillingRun("ok", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(reg.checkouts.WithLabelValues("cash")))
	assert.Equal(t, 20.0, testutil.ToFloat64(reg.checkoutAmount))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.transitions.WithLabelValues("renew", "active")))
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.invoicesIssued))

	var nilReg *Registry
	nilReg.ObserveCheckout("cash", decimal.NewFromInt(1))
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := New()
	reg.ObserveBillingRun("ok", 0)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `pos_billing_runs_total{outcome="ok"} 1`))
}
