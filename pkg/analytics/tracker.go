package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/pulse/pkg/async"
	"github.com/platinummonkey/pulse/pkg/eventstore"
	"github.com/platinummonkey/pulse/pkg/observability"
)

var (
	// ErrInvalidEventType is reported for event types outside the allowed set
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrMissingUserID is reported when an event has no user id
	ErrMissingUserID = errors.New("user id is required")
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 30 * time.Second

	publishTimeout = 10 * time.Second
)

// TrackerConfig controls the ingestion buffer
type TrackerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultTrackerConfig returns the default buffer settings
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}
}

// EventPublisher mirrors persisted events onto a stream
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []*eventstore.Event) error
}

// TrackOptions selects how a single event is delivered
type TrackOptions struct {
	// Request is the originating request, if any
	Request *RequestContext
	// Immediate writes the event synchronously instead of buffering it
	Immediate bool
	// Timestamp overrides the ingestion time
	Timestamp time.Time
}

// TrackResult reports the outcome of a track call
type TrackResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Immediate  bool   `json:"immediate,omitempty"`
	Buffered   bool   `json:"buffered,omitempty"`
	BufferSize int    `json:"bufferSize,omitempty"`
	EventID    string `json:"eventId,omitempty"`

	// Err is the underlying error for callers that want errors.Is
	Err error `json:"-"`
}

// BufferStatus describes the ingestion buffer
type BufferStatus struct {
	BufferedEvents int `json:"bufferedEvents"`
	BatchSize      int `json:"batchSize"`
	// FlushInterval is in milliseconds
	FlushInterval int64 `json:"flushInterval"`
}

// TrackerOption configures an EventService
type TrackerOption func(*EventService)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) TrackerOption {
	return func(s *EventService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(metrics *observability.Metrics) TrackerOption {
	return func(s *EventService) {
		s.metrics = metrics
	}
}

// WithPublisher mirrors every persisted batch to the given publisher
func WithPublisher(p EventPublisher) TrackerOption {
	return func(s *EventService) {
		s.publisher = p
	}
}

// WithClock overrides the ingestion clock
func WithClock(now func() time.Time) TrackerOption {
	return func(s *EventService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides event id generation
func WithIDGenerator(newID func() string) TrackerOption {
	return func(s *EventService) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// EventService captures analytics events. Financially sensitive events are
// written synchronously; high volume events are buffered and flushed either
// when the buffer reaches BatchSize or every FlushInterval.
type EventService struct {
	store     eventstore.Store
	cfg       TrackerConfig
	logger    *observability.Logger
	metrics   *observability.Metrics
	publisher EventPublisher
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	buffer []*eventstore.Event
	closed bool

	startOnce    sync.Once
	shutdownOnce sync.Once
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewEventService creates an event service over the given store.
// Non-positive config values fall back to the defaults.
func NewEventService(store eventstore.Store, cfg TrackerConfig, opts ...TrackerOption) *EventService {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	s := &EventService{
		store:  store,
		cfg:    cfg,
		logger: observability.NewLogger(observability.InfoLevel, io.Discard),
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the periodic flusher. It returns immediately; calling it
// more than once has no effect.
func (s *EventService) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.doneCh = make(chan struct{})
		go s.run(ctx)
	})
}

func (s *EventService) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.WithError(err).Warn("Periodic analytics flush failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// TrackEvent records an event. It never returns an error: failures are
// reported through the result so analytics can not break the caller.
func (s *EventService) TrackEvent(ctx context.Context, eventType eventstore.EventType, userID string, data map[string]any, opts TrackOptions) TrackResult {
	if !eventType.Valid() {
		return s.reject("invalid_event_type", fmt.Errorf("%w: %q", ErrInvalidEventType, eventType))
	}
	if userID == "" {
		return s.reject("missing_user_id", ErrMissingUserID)
	}

	timestamp := opts.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}

	event := &eventstore.Event{
		ID:        s.newID(),
		UserID:    userID,
		Type:      eventType,
		Data:      copyData(data),
		Metadata:  ExtractMetadata(opts.Request),
		Timestamp: timestamp.UTC(),
	}

	if opts.Immediate {
		return s.writeImmediate(ctx, event)
	}
	if result, ok := s.enqueue(ctx, event); ok {
		return result
	}
	// After shutdown nothing would drain the buffer, so write through
	return s.writeImmediate(ctx, event)
}

func (s *EventService) writeImmediate(ctx context.Context, event *eventstore.Event) TrackResult {
	start := time.Now()
	err := s.store.Insert(ctx, event)
	s.metrics.RecordStorageOperation("insert", time.Since(start), err)

	if err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"event_type": string(event.Type),
			"user_id":    event.UserID,
		}).Error("Failed to write analytics event")
		s.metrics.RecordEventRejected("store_error")
		return TrackResult{Success: false, Error: err.Error(), Immediate: true, Err: err}
	}

	s.metrics.RecordEventTracked(string(event.Type), "immediate")
	s.publish(ctx, []*eventstore.Event{event})
	return TrackResult{Success: true, Immediate: true, EventID: event.ID}
}

// enqueue appends event unless the service is shut down. The closed check
// and the append share one critical section so Shutdown can not run
// between them.
func (s *EventService) enqueue(ctx context.Context, event *eventstore.Event) (TrackResult, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return TrackResult{}, false
	}
	s.buffer = append(s.buffer, event)
	size := len(s.buffer)
	s.mu.Unlock()

	s.metrics.RecordEventTracked(string(event.Type), "buffered")
	s.metrics.SetBufferSize(size)

	if size >= s.cfg.BatchSize {
		if err := s.Flush(ctx); err != nil {
			s.logger.WithError(err).Warn("Size-triggered analytics flush failed")
		}
		size = s.BufferLen()
	}

	return TrackResult{Success: true, Buffered: true, BufferSize: size, EventID: event.ID}, true
}

func (s *EventService) reject(reason string, err error) TrackResult {
	s.metrics.RecordEventRejected(reason)
	return TrackResult{Success: false, Error: err.Error(), Err: err}
}

// Flush writes the buffered events. The buffer is swapped out first so
// events tracked during the write land in a fresh buffer. Events that fail
// to persist are put back at the front of the buffer and the error is
// returned.
func (s *EventService) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, span := observability.Tracer().Start(ctx, "analytics.Flush")
	defer span.End()
	span.SetAttributes(attribute.Int("pulse.batch_size", len(batch)))

	start := time.Now()
	err := s.store.InsertMany(ctx, batch)
	elapsed := time.Since(start)
	s.metrics.RecordStorageOperation("insert_many", elapsed, err)

	if err != nil {
		failed := batch
		var bulkErr *eventstore.BulkWriteError
		if errors.As(err, &bulkErr) {
			failed = bulkErr.Failed
		}

		s.requeue(failed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		span.SetAttributes(attribute.Int("pulse.requeued", len(failed)))
		s.metrics.RecordFlush(elapsed, len(failed), err)
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"batch_size": len(batch),
			"requeued":   len(failed),
		}).Warn("Analytics flush failed, events re-queued")

		if written := without(batch, failed); len(written) > 0 {
			s.publish(ctx, written)
		}
		return fmt.Errorf("failed to flush %d analytics events: %w", len(failed), err)
	}

	s.metrics.RecordFlush(elapsed, 0, nil)
	s.metrics.SetBufferSize(s.BufferLen())
	s.logger.Debugf("Flushed %d analytics events", len(batch))
	s.publish(ctx, batch)
	return nil
}

func (s *EventService) requeue(events []*eventstore.Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	merged := make([]*eventstore.Event, 0, len(events)+len(s.buffer))
	merged = append(merged, events...)
	merged = append(merged, s.buffer...)
	s.buffer = merged
	size := len(s.buffer)
	s.mu.Unlock()

	s.metrics.SetBufferSize(size)
}

func (s *EventService) publish(ctx context.Context, events []*eventstore.Event) {
	if s.publisher == nil {
		return
	}
	async.SafeGo(context.WithoutCancel(ctx), publishTimeout, "publish analytics events", func(ctx context.Context) error {
		return s.publisher.PublishEvents(ctx, events)
	})
}

// Shutdown stops the periodic flusher and flushes what is left. Only the
// first call does any work.
func (s *EventService) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stopCh)
		if s.doneCh != nil {
			select {
			case <-s.doneCh:
			case <-ctx.Done():
			}
		}

		err = s.Flush(ctx)
		if err != nil {
			s.logger.WithError(err).Error("Final analytics flush failed")
			return
		}
		s.logger.Info("Analytics event service stopped")
	})
	return err
}

// BufferLen returns the number of buffered events
func (s *EventService) BufferLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// GetBufferStatus reports the buffer state for operational visibility
func (s *EventService) GetBufferStatus() BufferStatus {
	return BufferStatus{
		BufferedEvents: s.BufferLen(),
		BatchSize:      s.cfg.BatchSize,
		FlushInterval:  s.cfg.FlushInterval.Milliseconds(),
	}
}

func copyData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// without returns the events of batch not present in exclude
func without(batch, exclude []*eventstore.Event) []*eventstore.Event {
	skip := make(map[*eventstore.Event]struct{}, len(exclude))
	for _, e := range exclude {
		skip[e] = struct{}{}
	}
	var out []*eventstore.Event
	for _, e := range batch {
		if _, ok := skip[e]; !ok {
			out = append(out, e)
		}
	}
	return out
}
