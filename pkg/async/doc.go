// Package async runs background work without letting a panic or a hung
// call take the process down.
//
// SafeGo fires a single task with a timeout and panic recovery; the ingestion
// service uses it to mirror flushed events to the event stream.
//
//	async.SafeGo(ctx, 10*time.Second, "publish analytics events", func(ctx context.Context) error {
//		return publisher.PublishEvents(ctx, batch)
//	})
//
// Batch fans a slice out over a bounded number of goroutines and collects
// the errors; the churn alerter publishes alert batches with it.
//
//	errs := async.Batch(ctx, batches, 4, "publish churn alerts", 30*time.Second, publish)
package async
