package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"tripbooker/internal/booking"
	"tripbooker/internal/booking/saga"
	"tripbooker/internal/itinerary"
	"tripbooker/internal/itinerary/store"
	"tripbooker/internal/observability"
	"tripbooker/internal/payments"
)

const maxBodyBytes = 1 << 20

// BookingService is the subset of the itinerary service driven by webhooks.
type BookingService interface {
	ApplyProviderStatus(ctx context.Context, update itinerary.ProviderStatusUpdate) (booking.BookingRequest, error)
	Confirm(ctx context.Context, id string, auth booking.PaymentAuth) (*saga.Outcome, error)
}

// PaymentVerifier turns a signed payment webhook into an authorization.
type PaymentVerifier interface {
	Parse(payload []byte, signature string) (payments.Authorization, error)
}

type Config struct {
	Service  BookingService
	Payments PaymentVerifier
	Events   http.Handler
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	// Ready reports dependency health for /healthz; nil means always healthy.
	Ready func(ctx context.Context) error
}

type api struct {
	service  BookingService
	payments PaymentVerifier
	logger   *zap.Logger
	ready    func(ctx context.Context) error
}

// NewRouter mounts the webhook, event stream, metrics and health endpoints.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &api{service: cfg.Service, payments: cfg.Payments, logger: logger, ready: cfg.Ready}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", a.healthz)
	r.Method(http.MethodGet, "/metrics", observability.Handler(cfg.Metrics))
	if cfg.Events != nil {
		r.Method(http.MethodGet, "/ws", cfg.Events)
	}

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/provider", a.providerWebhook)
		r.Post("/stripe", a.stripeWebhook)
	})
	return r
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type providerUpdate struct {
	RequestID string       `json:"request_id"`
	BookingID string       `json:"booking_db_id"`
	ItemID    string       `json:"item_id"`
	Status    string       `json:"status"`
	Meta      booking.Meta `json:"meta"`
}

func (a *api) providerWebhook(w http.ResponseWriter, r *http.Request) {
	var body providerUpdate
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	requestID := body.RequestID
	if requestID == "" {
		requestID = body.BookingID
	}
	if requestID == "" || body.ItemID == "" {
		writeError(w, http.StatusBadRequest, "request_id and item_id are required")
		return
	}

	updated, err := a.service.ApplyProviderStatus(r.Context(), itinerary.ProviderStatusUpdate{
		RequestID: requestID,
		ItemID:    body.ItemID,
		Status:    booking.ItemStatus(body.Status),
		Meta:      body.Meta,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_status": updated.Status})
}

func (a *api) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	if a.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payment webhook not configured")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	auth, err := a.payments.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, payments.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, "invalid stripe signature")
		return
	case errors.Is(err, payments.ErrIgnoredEvent):
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	case err != nil:
		// Acknowledged so the sender does not redeliver an event that can never succeed.
		a.logger.Warn("stripe event not actionable", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "error": err.Error()})
		return
	}

	out, err := a.service.Confirm(r.Context(), auth.RequestID, auth.Auth)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, itinerary.ErrRequestClosed) {
			a.logger.Warn("stripe confirmation skipped", zap.String("request_id", auth.RequestID), zap.Error(err))
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "error": err.Error()})
			return
		}
		a.writeServiceError(w, r, err)
		return
	}

	result := "failed"
	if out.Succeeded() {
		result = "confirmed"
	}
	a.logger.Info("payment confirmed booking",
		zap.String("request_id", auth.RequestID),
		zap.String("event_id", auth.EventID),
		zap.String("result", result),
	)
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "result": map[string]string{"status": result}})
}

func (a *api) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, itinerary.ErrItemNotFound):
		code = http.StatusNotFound
	case errors.Is(err, itinerary.ErrInvalidStatus), errors.Is(err, itinerary.ErrInvalidPaymentAuth):
		code = http.StatusBadRequest
	case errors.Is(err, itinerary.ErrRequestClosed), errors.Is(err, store.ErrIdempotencyConflict):
		code = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		a.logger.Error("webhook failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
