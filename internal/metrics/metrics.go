package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "pos"

// Registry owns the collectors of one server instance. It uses its own
// prometheus registry so tests can build as many as they like.
type Registry struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	durations      *prometheus.HistogramVec
	checkouts      *prometheus.CounterVec
	checkoutAmount prometheus.Counter
	transitions    *prometheus.CounterVec
	billingRuns    *prometheus.CounterVec
	invoicesIssued prometheus.Counter
}

func New() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Completed checkouts by payment method.",
		}, []string{"payment_method"}),
		checkoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_amount_total",
			Help:      "Sum of settled checkout totals.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_transitions_total",
			Help:      "Membership billing status transitions by event and target status.",
		}, []string{"event", "to"}),
		billingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_runs_total",
			Help:      "Billing runs by outcome.",
		}, []string{"outcome"}),
		invoicesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_invoices_issued_total",
			Help:      "Membership invoices issued by billing runs.",
		}),
	}
	r.registry.MustRegister(
		r.requests,
		r.durations,
		r.checkouts,
		r.checkoutAmount,
		r.transitions,
		r.billingRuns,
		r.invoicesIssued,
	)
	return r
}

// Middleware records request counts and latency labelled with the chi
// route pattern, so path parameters do not explode label cardinality.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(recorder, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		r.requests.WithLabelValues(route, req.Method, strconv.Itoa(recorder.Status)).Inc()
		r.durations.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Observe methods are no-ops on a nil Registry.
func (r *Registry) ObserveCheckout(paymentMethod string, total decimal.Decimal) {
	if r == nil {
		return
	}
	r.checkouts.WithLabelValues(paymentMethod).Inc()
	r.checkoutAmount.Add(total.InexactFloat64())
}

func (r *Registry) ObserveTransition(event string, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(event, to).Inc()
}

func (r *Registry) ObserveBillingRun(outcome string, invoices int) {
	if r == nil {
		return
	}
	r.billingRuns.WithLabelValues(outcome).Inc()
	if invoices > 0 {
		r.invoicesIssued.Add(float64(invoices))
	}
}

// Gatherer exposes the underlying registry for inspection in tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

func (s *StatusRecorder) WriteHeader(code int) {
	s.Status = code
	s.ResponseWriter.WriteHeader(code)
}
