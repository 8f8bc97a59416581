package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/middleware"
	"github.com/platinummonkey/pulse/pkg/observability"
)

// TrackEventRequest is the body of POST /api/v1/events
type TrackEventRequest struct {
	EventType string         `json:"eventType"`
	UserID    string         `json:"userId"`
	EventData map[string]any `json:"eventData"`
	Immediate bool           `json:"immediate"`
	// Timestamp optionally backdates the event
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// EventHandlers serves event ingestion
type EventHandlers struct {
	events  *analytics.EventService
	limiter middleware.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewEventHandlers creates the ingestion handlers. A nil limiter disables
// rate limiting.
func NewEventHandlers(events *analytics.EventService, limiter middleware.Limiter, logger *observability.Logger, metrics *observability.Metrics) *EventHandlers {
	return &EventHandlers{
		events:  events,
		limiter: limiter,
		logger:  logger,
		metrics: metrics,
	}
}

// RegisterRoutes registers ingestion routes
func (h *EventHandlers) RegisterRoutes(r *mux.Router) {
	var track http.Handler = http.HandlerFunc(h.trackEvent)
	track = httputil.Chain(
		httputil.ContentTypeMiddleware,
		httputil.MaxBytesMiddleware(maxEventBodyBytes),
	)(track)
	if h.limiter != nil {
		track = middleware.RateLimit(h.limiter, h.logger, h.metrics)(track)
	}

	r.Handle("/api/v1/events", track).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/events/status", h.getBufferStatus).Methods(http.MethodGet)
}

// trackEvent handles POST /api/v1/events
// Returns 202 with the TrackResult once the event is buffered or written
func (h *EventHandlers) trackEvent(w http.ResponseWriter, r *http.Request) {
	var req TrackEventRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	opts := analytics.TrackOptions{
		Request:   analytics.RequestContextFromHTTP(r),
		Immediate: req.Immediate,
	}
	if req.Timestamp != nil {
		opts.Timestamp = *req.Timestamp
	}

	ctx := r.Context()
	if req.UserID != "" {
		ctx = observability.WithUserID(ctx, req.UserID)
	}

	result := h.events.TrackEvent(ctx, eventstore.EventType(req.EventType), req.UserID, req.EventData, opts)

	switch {
	case result.Success:
		httputil.WriteAccepted(w, result)
	case errors.Is(result.Err, analytics.ErrInvalidEventType), errors.Is(result.Err, analytics.ErrMissingUserID):
		httputil.WriteJSON(w, http.StatusBadRequest, result)
	default:
		observability.FromContext(ctx).WithField("event_type", req.EventType).WithError(result.Err).Error("Failed to track event")
		httputil.WriteJSON(w, http.StatusInternalServerError, result)
	}
}

// getBufferStatus handles GET /api/v1/events/status
func (h *EventHandlers) getBufferStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, h.events.GetBufferStatus())
}
