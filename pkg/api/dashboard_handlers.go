package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/httputil"
	"github.com/platinummonkey/pulse/pkg/observability"
	"github.com/platinummonkey/pulse/pkg/users"
)

// DashboardHandlers serves the read side of the dashboard
type DashboardHandlers struct {
	service *analytics.Service
}

// NewDashboardHandlers creates the dashboard handlers
func NewDashboardHandlers(service *analytics.Service) *DashboardHandlers {
	return &DashboardHandlers{service: service}
}

// RegisterRoutes registers dashboard routes
func (h *DashboardHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/v1/overview", h.getOverview).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/metrics", h.getMetrics).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/cohorts", h.compareCohorts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/cohorts/{cohortId}", h.getCohort).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/retention", h.getRetention).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/churn/high-risk", h.getHighRiskUsers).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/churn/users/{userId}", h.getUserChurnRisk).Methods(http.MethodGet)
}

// getOverview handles GET /api/v1/overview
func (h *DashboardHandlers) getOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.service.GetOverview(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, overview)
}

// getMetrics handles GET /api/v1/metrics
// Query params:
//   - start, end: churn window (RFC3339 or YYYY-MM-DD); churn is omitted
//     unless both are set
func (h *DashboardHandlers) getMetrics(w http.ResponseWriter, r *http.Request) {
	start, err := httputil.ParseQueryTime(r, "start")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	end, err := httputil.ParseQueryTime(r, "end")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	metrics, err := h.service.GetMetrics(r.Context(), start, end)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, metrics)
}

// getCohort handles GET /api/v1/cohorts/{cohortId}
// Query params:
//   - period: month (default) or week
func (h *DashboardHandlers) getCohort(w http.ResponseWriter, r *http.Request) {
	cohortID, ok := httputil.ParsePathStringOrError(w, r, "cohortId")
	if !ok {
		return
	}
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	record, err := h.service.GetCohort(r.Context(), cohortID, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if record == nil {
		httputil.WriteNotFoundError(w, "cohort has no users")
		return
	}
	httputil.WriteSuccess(w, record)
}

// compareCohorts handles GET /api/v1/cohorts?ids=a,b,c
func (h *DashboardHandlers) compareCohorts(w http.ResponseWriter, r *http.Request) {
	ids := httputil.ParseQueryList(r, "ids")
	if len(ids) == 0 {
		httputil.WriteBadRequest(w, "ids is required")
		return
	}
	period, err := analytics.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	comparison, err := h.service.CompareCohorts(r.Context(), ids, period)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, comparison)
}

// getRetention handles GET /api/v1/retention
// Query params:
//   - start, end: cohort range (RFC3339 or YYYY-MM-DD)
//   - period: month (default) or week
//   - metric: event type counted as activity, default login
func (h *DashboardHandlers) getRetention(w http.ResponseWriter, r *http.Request) {
	start, err := httputil.ParseQueryTime(r, "start")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	end, err := httputil.ParseQueryTime(r, "end")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	table, err := h.service.GetRetentionTable(r.Context(), analytics.RetentionOptions{
		Start:  start,
		End:    end,
		Period: analytics.CohortPeriod(r.URL.Query().Get("period")),
		Metric: eventstore.EventType(r.URL.Query().Get("metric")),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, table)
}

// getUserChurnRisk handles GET /api/v1/churn/users/{userId}
func (h *DashboardHandlers) getUserChurnRisk(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "userId")
	if !ok {
		return
	}

	assessment, err := h.service.GetUserChurnRisk(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, assessment)
}

// getHighRiskUsers handles GET /api/v1/churn/high-risk
// Query params:
//   - level: minimum risk level, default high
func (h *DashboardHandlers) getHighRiskUsers(w http.ResponseWriter, r *http.Request) {
	level, err := analytics.ParseRiskLevel(httputil.ParseQueryString(r, "level", string(analytics.RiskHigh)))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	assessments, err := h.service.GetHighRiskUsers(r.Context(), level)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"level": level,
		"count": len(assessments),
		"users": assessments,
	})
}

// writeServiceError maps domain errors to status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, users.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, analytics.ErrInvalidDateRange),
		errors.Is(err, analytics.ErrInvalidPeriod),
		errors.Is(err, analytics.ErrInvalidCohortID),
		errors.Is(err, analytics.ErrInvalidEventType),
		errors.Is(err, analytics.ErrInvalidRiskLevel):
		httputil.WriteBadRequest(w, err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Dashboard request failed")
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
