package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/praetor/internal/controlplane/auth"
	"github.com/marcus-qen/praetor/internal/controlplane/billing"
)

// handleBillingUsage returns aggregated per-day usage. Defaults to
// month-to-date when no range is given.
func (s *Server) handleBillingUsage(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := now

	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_range", "from must be YYYY-MM-DD")
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeJSONError(w, http.StatusUnprocessableEntity, "invalid_range", "to must be YYYY-MM-DD")
			return
		}
		to = t
	}

	usage, err := s.billing.UsageBetween(id.TenantID, from, to)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":  from.Format("2006-01-02"),
		"to":    to.Format("2006-01-02"),
		"usage": usage,
	})
}

// handleBillingQuotas reports the current position against limits via a
// zero projection: nothing is admitted, only measured.
func (s *Server) handleBillingQuotas(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	result, err := s.billing.CheckQuota(id.TenantID, billing.Projection{})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": s.billing.Enabled(),
		"quota":   result,
	})
}

func (s *Server) handleBillingInvoices(w http.ResponseWriter, r *http.Request) {
	id := auth.IdentityFromContext(r.Context())
	list, err := s.billing.Invoices(id.TenantID)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": list})
}

// ── Stripe ───────────────────────────────────────────────────

func secretMatches(got, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type checkoutRequest struct {
	InvoiceID string `json:"invoice_id"`
}

// handleStripeCheckout hands back a checkout URL for an invoice. The
// shared secret gates the integration on top of normal RBAC.
func (s *Server) handleStripeCheckout(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(r.Header.Get("X-Stripe-Secret"), s.cfg.Billing.StripeCheckoutSecret) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "bad integration secret")
		return
	}
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID := "cs_" + uuid.NewString()
	s.audit(r, "billing.checkout", "invoice", req.InvoiceID, map[string]any{"session": sessionID})
	writeJSON(w, http.StatusOK, map[string]any{
		"checkout_url": "https://checkout.stripe.com/pay/" + sessionID,
		"session_id":   sessionID,
	})
}

type stripeEvent struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoice_id"`
}

// handleStripeWebhook applies payment outcomes to invoices. No RBAC
// wrapper: the caller authenticates with the webhook shared secret.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(r.Header.Get("X-Stripe-Signature"), s.cfg.Billing.StripeWebhookSecret) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "bad webhook signature")
		return
	}
	var ev stripeEvent
	if !decodeJSON(w, r, &ev) {
		return
	}

	var status string
	switch ev.Type {
	case "invoice.paid":
		status = "paid"
	case "invoice.payment_failed":
		status = "failed"
	default:
		// Unrecognized events are acknowledged so Stripe stops retrying.
		writeJSON(w, http.StatusOK, map[string]any{"ignored": ev.Type})
		return
	}

	invoice, err := s.billing.SetInvoiceStatus(ev.InvoiceID, status)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	s.auditStore.Emit("system", "stripe", invoice.TenantID, "billing.webhook",
		"invoice", invoice.ID, map[string]any{"type": ev.Type, "status": status})
	writeJSON(w, http.StatusOK, invoice)
}
