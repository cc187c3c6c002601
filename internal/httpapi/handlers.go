package httpapi

import (
	"context"
	"log"
	"net/http"
	"strings"

	"storefront/internal/apperr"
	"storefront/internal/checkout"
	"storefront/internal/model"
)

type totalsJSON struct {
	Subtotal float64 `json:"subtotal"`
	Shipping float64 `json:"shipping"`
	VAT      float64 `json:"vat"`
	Total    float64 `json:"total"`
}

func toTotalsJSON(t model.Totals) totalsJSON {
	return totalsJSON{
		Subtotal: t.Subtotal.InexactFloat64(),
		Shipping: t.Shipping.InexactFloat64(),
		VAT:      t.VAT.InexactFloat64(),
		Total:    t.Total.InexactFloat64(),
	}
}

func (s *Server) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r, maxBodyBytes)
	if err != nil {
		s.fail(w, r, "create payment intent", err)
		return
	}
	res, err := s.Checkout.CreateIntent(r.Context(), raw, checkout.ClientIP(r))
	if err != nil {
		s.fail(w, r, "create payment intent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clientSecret":     res.ClientSecret,
		"paymentIntentId":  res.PaymentIntentID,
		"calculatedTotals": toTotalsJSON(res.Totals),
	})
}

func (s *Server) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r, maxWebhookBytes)
	if err != nil {
		s.fail(w, r, "stripe webhook", err)
		return
	}
	res, err := s.Webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.fail(w, r, "stripe webhook", err)
		return
	}
	log.Printf("httpapi: webhook ok event=%s type=%s order=%s created=%t", res.EventID, res.Type, res.OrderID, res.Created)
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "requestId": RequestID(r.Context())})
}

type statusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Note    string `json:"note"`
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	uid, err := s.admin(r)
	if err != nil {
		s.fail(w, r, "update order status", err)
		return
	}
	raw, err := readBody(w, r, maxBodyBytes)
	if err != nil {
		s.fail(w, r, "update order status", err)
		return
	}
	var req statusRequest
	if err := decodeJSON(raw, &req); err != nil {
		s.fail(w, r, "update order status", err)
		return
	}
	var fields []apperr.FieldError
	if strings.TrimSpace(req.OrderID) == "" {
		fields = append(fields, apperr.FieldError{Field: "orderId", Message: "required"})
	}
	if req.Status == "" {
		fields = append(fields, apperr.FieldError{Field: "status", Message: "required"})
	}
	if len(fields) > 0 {
		s.fail(w, r, "update order status", apperr.Validation("invalid request", fields...))
		return
	}
	o, err := s.Orders.UpdateStatus(r.Context(), strings.TrimSpace(req.OrderID), model.OrderStatus(req.Status), req.Note, uid)
	if err != nil {
		s.fail(w, r, "update order status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": o.ID, "status": o.Status})
}

type shippingRequest struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
	Carrier        string `json:"carrier"`
}

func (s *Server) sendShippingNotification(w http.ResponseWriter, r *http.Request) {
	uid, err := s.admin(r)
	if err != nil {
		s.fail(w, r, "send shipping notification", err)
		return
	}
	raw, err := readBody(w, r, maxBodyBytes)
	if err != nil {
		s.fail(w, r, "send shipping notification", err)
		return
	}
	var req shippingRequest
	if err := decodeJSON(raw, &req); err != nil {
		s.fail(w, r, "send shipping notification", err)
		return
	}
	id := strings.TrimSpace(req.OrderID)
	if id == "" {
		s.fail(w, r, "send shipping notification", apperr.Validation("invalid request", apperr.FieldError{Field: "orderId", Message: "required"}))
		return
	}
	o, err := s.Orders.MarkShipped(r.Context(), id, strings.TrimSpace(req.TrackingNumber), strings.TrimSpace(req.Carrier), uid)
	if err != nil {
		s.fail(w, r, "send shipping notification", err)
		return
	}

	queued := false
	if s.Notifier != nil {
		if err := s.Notifier.EnqueueShipped(o); err != nil {
			log.Printf("httpapi: shipping email not scheduled order=%s err=%v", o.ID, err)
			if _, lerr := s.Orders.AppendFailedNotification(context.WithoutCancel(r.Context()), o.ID, model.NotifyShipping, o.Customer.Email, err); lerr != nil {
				log.Printf("httpapi: ledger append failed order=%s err=%v", o.ID, lerr)
			}
		} else {
			queued = true
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "orderId": o.ID, "status": o.Status, "notificationQueued": queued})
}

func (s *Server) admin(r *http.Request) (string, error) {
	if s.Auth == nil {
		return "", &apperr.Error{Kind: apperr.KindUnauthorized, Message: "unauthorized"}
	}
	return s.Auth.Admin(r)
}

func (s *Server) shippingConfig(w http.ResponseWriter, _ *http.Request) {
	p := s.Policy
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{
		"currency":              checkout.Currency,
		"freeShippingThreshold": p.FreeShippingThreshold.InexactFloat64(),
		"sameDayRate":           p.SameDayRate.InexactFloat64(),
		"standardRate":          p.StandardRate.InexactFloat64(),
		"vatRate":               p.VATRate.InexactFloat64(),
		"sameDayPostalPrefixes": []string{"D01", "D02", "D03", "D04", "D05", "D06", "D07", "D08"},
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.Health != nil {
		if err := s.Health(r.Context()); err != nil {
			log.Printf("httpapi: health check failed err=%v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
