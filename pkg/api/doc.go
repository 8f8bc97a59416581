// Package api exposes event ingestion and the analytics dashboard over HTTP.
//
// Routes:
//
//	POST /api/v1/events                 track one event (202, or 400 on validation failure)
//	GET  /api/v1/events/status          ingestion buffer status
//	GET  /api/v1/overview               revenue and churn risk overview
//	GET  /api/v1/metrics?start=&end=    revenue metrics, churn when a window is given
//	GET  /api/v1/cohorts/{cohortId}     one cohort (?period=month|week)
//	GET  /api/v1/cohorts?ids=a,b        cohort comparison
//	GET  /api/v1/retention              retention table (?start=&end=&period=&metric=)
//	GET  /api/v1/churn/users/{userId}   churn risk of one user
//	GET  /api/v1/churn/high-risk        subscribers at or above ?level= (default high)
//
// The server also mounts /health, /health/live, /health/ready and /metrics
// when a health checker and registry are supplied.
package api
