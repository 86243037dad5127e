package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"kasirinaja/memberpos/internal/domain"
	"kasirinaja/memberpos/internal/service"
)

// actionPayload is the request body or query of a memberships action with the
// action name removed.
type actionPayload map[string]json.RawMessage

// decode re-reads the payload into dest, rejecting fields dest does not know.
func (p actionPayload) decode(dest any) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return &httpError{status: http.StatusBadRequest, err: err}
	}
	return nil
}

// flexInt accepts a JSON number or a numeric string, so query parameters and
// JSON bodies share one request type.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	*f = flexInt(n)
	return nil
}

type membershipAction struct {
	admin bool
	// read actions may also be called with GET.
	read bool
	run  func(a *API, r *http.Request, p actionPayload) (any, error)
}

var membershipActions = map[string]membershipAction{
	"get_customer_memberships":    {read: true, run: (*API).getCustomerMemberships},
	"get_all_plans":               {read: true, run: (*API).getAllPlans},
	"get_all_benefits":            {read: true, run: (*API).getAllBenefits},
	"get_plan_locations":          {read: true, run: (*API).getPlanLocations},
	"get_billing_settings":        {read: true, run: (*API).getBillingSettings},
	"get_usage_tracking":          {read: true, run: (*API).getUsageTracking},
	"get_billing_invoices":        {read: true, run: (*API).getBillingInvoices},
	"get_billing_dashboard_stats": {read: true, run: (*API).getDashboardStats},

	"create_plan":                {admin: true, run: (*API).createPlan},
	"update_plan":                {admin: true, run: (*API).updatePlan},
	"delete_plan":                {admin: true, run: (*API).deletePlan},
	"create_benefit":             {admin: true, run: (*API).createBenefit},
	"add_plan_locations":         {admin: true, run: (*API).addPlanLocations},
	"add_customer_membership":    {admin: true, run: (*API).addCustomerMembership},
	"cancel_customer_membership": {admin: true, run: (*API).cancelCustomerMembership},
	"update_customer_membership": {admin: true, run: (*API).updateCustomerMembership},
	"update_billing_settings":    {admin: true, run: (*API).updateBillingSettings},
	"record_benefit_usage":       {admin: true, run: (*API).recordBenefitUsage},
	"record_invoice_payment":     {admin: true, run: (*API).recordInvoicePayment},
	"trigger_billing_run":        {admin: true, run: (*API).triggerBillingRun},
}

func (a *API) handleMemberships(w http.ResponseWriter, r *http.Request) {
	name, payload, err := readAction(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	action, ok := membershipActions[name]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", name))
		return
	}
	if r.Method == http.MethodGet && !action.read {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("action %s requires POST", name))
		return
	}
	if action.admin {
		actor, _ := service.ActorFromContext(r.Context())
		if actor.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
	}

	resp, err := action.run(a, r, payload)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// readAction splits a request into its action name and the remaining payload.
// GET carries both in the query string; POST in a JSON object.
func readAction(r *http.Request) (string, actionPayload, error) {
	payload := actionPayload{}
	var name string

	if r.Method == http.MethodGet {
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			if key == "action" {
				name = values[0]
				continue
			}
			raw, err := json.Marshal(values[0])
			if err != nil {
				return "", nil, err
			}
			payload[key] = raw
		}
	} else {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return "", nil, err
		}
		if raw, ok := payload["action"]; ok {
			if err := json.Unmarshal(raw, &name); err != nil {
				return "", nil, errors.New("action must be a string")
			}
			delete(payload, "action")
		}
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, errors.New("action is required")
	}
	return name, payload, nil
}

func (a *API) getCustomerMemberships(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		CustomerID string `json:"customer_id"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.GetCustomerMemberships(r.Context(), req.CustomerID)
}

func (a *API) getAllPlans(r *http.Request, p actionPayload) (any, error) {
	if err := p.decode(&struct{}{}); err != nil {
		return nil, err
	}
	return a.service.ListPlans(r.Context())
}

func (a *API) getAllBenefits(r *http.Request, p actionPayload) (any, error) {
	if err := p.decode(&struct{}{}); err != nil {
		return nil, err
	}
	return a.service.ListBenefits(r.Context())
}

func (a *API) getPlanLocations(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.GetPlanLocations(r.Context(), req.PlanID)
}

func (a *API) getBillingSettings(r *http.Request, p actionPayload) (any, error) {
	if err := p.decode(&struct{}{}); err != nil {
		return nil, err
	}
	return a.service.GetBillingSettings(r.Context())
}

func (a *API) getUsageTracking(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		MembershipID string  `json:"membership_id"`
		CustomerID   string  `json:"customer_id"`
		Limit        flexInt `json:"limit"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.GetUsageTracking(r.Context(), domain.UsageFilter{
		MembershipID: req.MembershipID,
		CustomerID:   req.CustomerID,
		Limit:        parsePositiveLimit(strconv.Itoa(int(req.Limit)), 100, 500),
	})
}

func (a *API) getBillingInvoices(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		MembershipID string  `json:"membership_id"`
		Status       string  `json:"status"`
		Limit        flexInt `json:"limit"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.GetBillingInvoices(r.Context(), domain.InvoiceFilter{
		MembershipID: req.MembershipID,
		Status:       req.Status,
		Limit:        parsePositiveLimit(strconv.Itoa(int(req.Limit)), 100, 500),
	})
}

func (a *API) getDashboardStats(r *http.Request, p actionPayload) (any, error) {
	if err := p.decode(&struct{}{}); err != nil {
		return nil, err
	}
	return a.service.DashboardStats(r.Context())
}

func (a *API) recordBenefitUsage(r *http.Request, p actionPayload) (any, error) {
	var req domain.UsageRecordRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.RecordBenefitUsage(r.Context(), req)
}

func (a *API) createPlan(r *http.Request, p actionPayload) (any, error) {
	var req domain.PlanCreateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.CreatePlan(r.Context(), req)
}

func (a *API) updatePlan(r *http.Request, p actionPayload) (any, error) {
	var req domain.PlanUpdateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.UpdatePlan(r.Context(), req)
}

func (a *API) deletePlan(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		PlanID string `json:"plan_id"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	if err := a.service.DeletePlan(r.Context(), req.PlanID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true, "plan_id": req.PlanID}, nil
}

func (a *API) createBenefit(r *http.Request, p actionPayload) (any, error) {
	var req domain.BenefitCreateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.CreateBenefit(r.Context(), req)
}

func (a *API) addPlanLocations(r *http.Request, p actionPayload) (any, error) {
	var req domain.PlanLocationsRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.AddPlanLocations(r.Context(), req)
}

func (a *API) addCustomerMembership(r *http.Request, p actionPayload) (any, error) {
	var req domain.MembershipCreateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.AddCustomerMembership(r.Context(), req)
}

func (a *API) cancelCustomerMembership(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		MembershipID string `json:"membership_id"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.CancelCustomerMembership(r.Context(), req.MembershipID)
}

func (a *API) updateCustomerMembership(r *http.Request, p actionPayload) (any, error) {
	var req domain.MembershipUpdateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	if req.Reactivate {
		if !a.pinLimiter.Allow(clientKey(r)) {
			return nil, &httpError{status: http.StatusTooManyRequests, err: errors.New("too many manager pin attempts")}
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			return nil, &httpError{status: http.StatusForbidden, err: errors.New("invalid manager pin")}
		}
	}
	return a.service.UpdateCustomerMembership(r.Context(), req)
}

func (a *API) updateBillingSettings(r *http.Request, p actionPayload) (any, error) {
	var req domain.BillingSettingsUpdateRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.UpdateBillingSettings(r.Context(), req)
}

func (a *API) recordInvoicePayment(r *http.Request, p actionPayload) (any, error) {
	var req struct {
		InvoiceID string `json:"invoice_id"`
	}
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	return a.service.RecordInvoicePayment(r.Context(), req.InvoiceID)
}

func (a *API) triggerBillingRun(r *http.Request, p actionPayload) (any, error) {
	var req domain.BillingRunRequest
	if err := p.decode(&req); err != nil {
		return nil, err
	}
	// A run that stops halfway leaves renewals without their audit entry.
	return a.service.RunBilling(context.WithoutCancel(r.Context()), req)
}
