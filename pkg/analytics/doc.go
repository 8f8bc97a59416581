// Package analytics is the business analytics and churn intelligence engine
// behind the Pulse dashboard.
//
// # Overview
//
// The package has four parts that share the users and eventstore packages:
//
//   - EventService ingests behavioral events. Financially sensitive events
//     (signup, subscription changes, broker links, signal subscriptions) are
//     written synchronously; trades and logins are buffered and flushed in
//     batches.
//   - RevenueMetrics computes MRR, ARR, LTV and churn rate from the
//     subscriber base.
//   - CohortAnalyzer groups users by signup week or month and builds
//     retention tables from the event log.
//   - ChurnPredictor scores churn risk with a deterministic additive model
//     and explains every score with risk factors and recommendations.
//
// Service composes them for the HTTP API, Aggregator refreshes cached
// snapshots on a schedule and Alerter raises churn alerts.
//
// # Buffering
//
// Buffered events are flushed when the buffer reaches the batch size (50
// by default) or when the flush interval (30s by default) elapses. A flush
// that fails puts the unwritten events back at the front of the buffer, so
// nothing is lost while the store recovers. Shutdown stops the timer and
// performs one final flush; calling it again does nothing.
//
// # Usage Example
//
//	tracker := analytics.NewEventService(store, analytics.DefaultTrackerConfig(),
//		analytics.WithLogger(logger),
//		analytics.WithMetrics(metrics),
//	)
//	tracker.Start(ctx)
//	defer tracker.Shutdown(context.Background())
//
//	result := tracker.TrackTradeExecuted(ctx, userID, analytics.TradeDetails{
//		Symbol:   "AAPL",
//		Side:     "buy",
//		Quantity: 10,
//		Price:    187.5,
//	}, analytics.RequestContextFromHTTP(r))
//
// Scoring a subscriber:
//
//	predictor := analytics.NewChurnPredictor(analytics.DefaultChurnWeights())
//	assessment := predictor.CalculateChurnRisk(user)
//	fmt.Println(assessment.RiskLevel, assessment.Recommendations)
package analytics
