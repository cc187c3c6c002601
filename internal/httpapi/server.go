// Package httpapi exposes the storefront endpoints over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"storefront/internal/checkout"
	"storefront/internal/errtrack"
	"storefront/internal/metrics"
	"storefront/internal/model"
	"storefront/internal/pricing"
	"storefront/internal/webhook"
)

const (
	maxBodyBytes    = 64 << 10
	maxWebhookBytes = 1 << 20
)

type IntentCreator interface {
	CreateIntent(ctx context.Context, raw []byte, clientIP string) (checkout.Result, error)
}

type EventHandler interface {
	Handle(ctx context.Context, payload []byte, signature string) (webhook.Result, error)
}

// AdminAuth authenticates an admin request and returns the user id.
type AdminAuth interface {
	Admin(r *http.Request) (string, error)
}

type OrderAdmin interface {
	UpdateStatus(ctx context.Context, id string, status model.OrderStatus, note, actor string) (model.Order, error)
	MarkShipped(ctx context.Context, id, tracking, carrier, actor string) (model.Order, error)
	AppendFailedNotification(ctx context.Context, orderID, kind, recipient string, cause error) (model.FailedNotification, error)
}

type ShippingNotifier interface {
	EnqueueShipped(o model.Order) error
}

type Server struct {
	Checkout IntentCreator
	Webhooks EventHandler
	Auth     AdminAuth
	Orders   OrderAdmin
	Notifier ShippingNotifier
	Reporter errtrack.Reporter
	Metrics  *metrics.Registry
	Policy   pricing.Policy
	Origins  []string
	// Health reports backing store reachability; nil means always healthy.
	Health func(ctx context.Context) error
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestID, s.cors)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
	})

	r.Handle("/create-payment-intent", only(http.MethodPost, s.createPaymentIntent))
	r.Handle("/webhooks-stripe", only(http.MethodPost, s.stripeWebhook))
	r.Handle("/update-order-status", only(http.MethodPost, s.updateOrderStatus))
	r.Handle("/send-shipping-notification", only(http.MethodPost, s.sendShippingNotification))
	r.Handle("/shipping-config", only(http.MethodGet, s.shippingConfig))
	r.Handle("/healthz", only(http.MethodGet, s.healthz))
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Handler is the router wrapped in tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "storefront",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" && r.URL.Path != "/metrics" }))
}

// NewHTTPServer returns a server with conservative timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// only lets OPTIONS through to the CORS middleware and rejects every other
// method but m with a JSON 405.
func only(m string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			methodNotAllowed(w, r)
			return
		}
		h(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
}
