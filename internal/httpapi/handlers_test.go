package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/memberpos/internal/cache"
	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/metrics"
	"kasirinaja/memberpos/internal/service"
	"kasirinaja/memberpos/internal/settlement"
	"kasirinaja/memberpos/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(nil)
	m := metrics.New()
	svc := service.New(repo, settlement.NewCalculator(settlement.TaxAdditive), cache.NewMemory(), m, nil, service.Options{
		DefaultStoreID: "test-store",
		Loyalty:        service.LoyaltyPolicy{PointValueCents: 1, MinimumPointsToRedeem: 100, PointsPerDollar: 1},
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo, nil)

	return New(svc, auth, "*", m, nil)
}

// doJSON sends payload as JSON with the given bearer token and CSRF token.
func doJSON(t *testing.T, handler http.Handler, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatal("expected non-empty access_token")
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected role admin, got %q", resp.Role)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", "", map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{"/api/v1/customers", "/api/v1/memberships?action=get_all_plans", "/api/v1/reports/daily"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/customers", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestCashierCannotReachAdminRoutes(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily", token, "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for daily report, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/gift-cards", token, csrf, domain.GiftCardIssueRequest{
		Code:           "NEW-1",
		InitialBalance: decimal.NewFromInt(10),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for gift card issue, got %d", rec.Code)
	}
}

func TestCheckoutQuoteAndReplay(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	items := []domain.CheckoutItem{
		{SKU: "COF-1", Name: "Latte", Qty: 2, UnitPrice: decimal.RequireFromString("4.50")},
		{SKU: "BAK-1", Name: "Croissant", Qty: 1, UnitPrice: decimal.RequireFromString("3.00")},
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout/quote", token, csrf, domain.QuoteRequest{
		Items:        items,
		CashReceived: decimal.NewFromInt(20),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("quote: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var quote domain.QuoteResponse
	decodeBody(t, rec, &quote)
	if !quote.Subtotal.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected subtotal 12, got %s", quote.Subtotal)
	}
	if !quote.Settlement.ChangeDue.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected change 8, got %s", quote.Settlement.ChangeDue)
	}

	checkout := domain.CheckoutRequest{
		IdempotencyKey: "idem-http-1",
		PaymentMethod:  "cash",
		CashReceived:   decimal.NewFromInt(20),
		Items:          items,
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, csrf, checkout)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var first domain.CheckoutResponse
	decodeBody(t, rec, &first)
	if first.Duplicate {
		t.Fatal("first checkout must not be a duplicate")
	}
	if first.CashierID != "cashier" {
		t.Fatalf("expected cashier id from token, got %q", first.CashierID)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, csrf, checkout)
	var replay domain.CheckoutResponse
	decodeBody(t, rec, &replay)
	if !replay.Duplicate || replay.TransactionID != first.TransactionID {
		t.Fatalf("expected replay of %s, got %+v", first.TransactionID, replay)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/checkout/idempotency/idem-http-1", token, "", nil)
	var lookup domain.CheckoutLookupResponse
	decodeBody(t, rec, &lookup)
	if !lookup.Found || lookup.Checkout == nil || lookup.Checkout.TransactionID != first.TransactionID {
		t.Fatalf("expected lookup to find %s, got %+v", first.TransactionID, lookup)
	}
}

func TestCheckoutValidationErrorsAre400(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, csrf, domain.CheckoutRequest{
		PaymentMethod: "cash",
		CashReceived:  decimal.NewFromInt(1),
		Items:         []domain.CheckoutItem{{SKU: "COF-1", Name: "Latte", Qty: 1, UnitPrice: decimal.NewFromInt(5)}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for insufficient cash, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, csrf, map[string]any{
		"items":   []any{},
		"surplus": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/customers/cust-ghost", token, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown customer, got %d", rec.Code)
	}
}

func TestDailyReportAggregatesCheckouts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/checkout", token, csrf, domain.CheckoutRequest{
		PaymentMethod: "cash",
		CashReceived:  decimal.NewFromInt(10),
		Items:         []domain.CheckoutItem{{SKU: "COF-1", Name: "Latte", Qty: 1, UnitPrice: decimal.NewFromInt(5)}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("checkout: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/daily?store_id=test-store", token, "", nil)
	var report domain.DailyReport
	decodeBody(t, rec, &report)
	if report.Transactions != 1 || !report.NetSales.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestCashierAccounts(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, csrf, domain.CashierCreateRequest{Username: "kasir2", Password: "pass1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, csrf, domain.CashierCreateRequest{Username: "kasir2", Password: "pass1234"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, csrf, domain.CashierCreateRequest{Username: "ab", Password: "pass1234"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short username, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/cashiers", token, "", nil)
	var payload struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	decodeBody(t, rec, &payload)
	if len(payload.Cashiers) != 2 {
		t.Fatalf("expected seeded and new cashier, got %+v", payload.Cashiers)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `pos_http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("expected healthz request to be counted, got:\n%s", rec.Body.String())
	}
}
