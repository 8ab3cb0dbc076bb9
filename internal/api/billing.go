package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/identity"
	"github.com/jrennie99-glitch/CALLVAULT-sub000/internal/store"
)

// handleBillingWebhook applies Stripe subscription events to user plans. The
// call address and plan ride in the checkout metadata; the hub never talks
// to Stripe directly beyond signature verification.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.cfg.Stripe.WebhookSecret)
	if err != nil {
		s.log.Warn("billing: bad webhook signature", "error", err)
		writeError(w, http.StatusBadRequest, "bad signature")
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		s.applyPlan(w, r, sess.Metadata["call_address"], sess.Metadata["plan"], "active")

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		s.applyPlan(w, r, sub.Metadata["call_address"], store.PlanFree, "canceled")

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			writeError(w, http.StatusBadRequest, "malformed event")
			return
		}
		addr := inv.Metadata["call_address"]
		if identity.ValidAddress(addr) {
			if user, err := s.backend.GetUser(r.Context(), addr); err == nil {
				if err := s.backend.UpdateUserPlan(r.Context(), addr, user.Plan, "past_due"); err != nil {
					s.log.Error("billing: mark past due", "error", err)
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"received": "ok"})

	default:
		// Unhandled event types are acknowledged so Stripe stops retrying.
		writeJSON(w, http.StatusOK, map[string]string{"received": "ignored"})
	}
}

func (s *Server) applyPlan(w http.ResponseWriter, r *http.Request, address, plan, status string) {
	if !identity.ValidAddress(address) {
		writeError(w, http.StatusBadRequest, "missing call_address metadata")
		return
	}
	switch plan {
	case store.PlanFree, store.PlanPro, store.PlanBusiness, store.PlanEnterprise:
	default:
		writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	if err := s.backend.UpdateUserPlan(r.Context(), address, plan, status); err != nil {
		s.log.Error("billing: plan update", "address", address, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	s.log.Info("billing: plan updated", "address", address, "plan", plan, "status", status)
	writeJSON(w, http.StatusOK, map[string]string{"received": "ok"})
}
