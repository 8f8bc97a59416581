// Package httputil provides the JSON response helpers, request parsing and
// middleware shared by the Pulse HTTP handlers.
//
// Responses:
//
//	httputil.WriteSuccess(w, overview)
//	httputil.WriteAccepted(w, result)
//	httputil.WriteBadRequest(w, "invalid period")
//
// Request parsing:
//
//	start, err := httputil.ParseQueryTime(r, "start") // RFC3339 or YYYY-MM-DD
//	ids := httputil.ParseQueryList(r, "ids")
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.LoggingMiddleware,
//	)(router)
package httputil
