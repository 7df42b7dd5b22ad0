package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/aggregation"
	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/cache"
	"github.com/septivank/energy-telemetry-service/internal/clock"
	"github.com/septivank/energy-telemetry-service/internal/config"
	"github.com/septivank/energy-telemetry-service/internal/db"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/logging"
	"github.com/septivank/energy-telemetry-service/internal/metrics"
	"github.com/septivank/energy-telemetry-service/internal/mq"
	"github.com/septivank/energy-telemetry-service/internal/ratelimit"
	"github.com/septivank/energy-telemetry-service/internal/repository"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

// Status is the outcome of one submitted reading
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Rejection codes raised by device resolution
const (
	CodeUnknownDevice  = "unknown_device"
	CodeDeviceInactive = "device_inactive"
)

// Outcome reports what happened to one reading
type Outcome struct {
	Index       int                   `json:"index"`
	Status      Status                `json:"status"`
	ReadingID   string                `json:"reading_id,omitempty"`
	DeviceKey   string                `json:"device_key,omitempty"`
	Errors      []apperror.FieldError `json:"errors,omitempty"`
	Spike       bool                  `json:"spike,omitempty"`
	SpikeReason string                `json:"spike_reason,omitempty"`
}

// Batch is a multi-reading submission. A non-empty SubmissionID makes the
// batch safe to retransmit.
type Batch struct {
	RequestID    string
	SubmissionID string
	Readings     []validator.RawReading
}

// BatchResult is the per-element report of a batch, in submission order
type BatchResult struct {
	SubmissionID string    `json:"submission_id,omitempty"`
	Total        int       `json:"total"`
	Accepted     int       `json:"accepted"`
	Duplicates   int       `json:"duplicates"`
	Rejected     int       `json:"rejected"`
	Failed       int       `json:"failed"`
	Replayed     bool      `json:"replayed"`
	Outcomes     []Outcome `json:"outcomes"`
}

func (r *BatchResult) count(o Outcome) {
	switch o.Status {
	case StatusAccepted:
		r.Accepted++
	case StatusDuplicate:
		r.Duplicates++
	case StatusRejected:
		r.Rejected++
	case StatusFailed:
		r.Failed++
	}
}

// EventPublisher receives accepted readings after their write commits
type EventPublisher interface {
	PublishReadingAccepted(ctx context.Context, event mq.ReadingAcceptedEvent) error
}

// NopPublisher drops events; used when no broker is configured
type NopPublisher struct{}

func (NopPublisher) PublishReadingAccepted(context.Context, mq.ReadingAcceptedEvent) error {
	return nil
}

// IngestService accepts single and batched readings. Each accepted reading is
// persisted together with its hourly delta, then the realtime cache is
// refreshed and an event is published.
type IngestService struct {
	store        repository.Store
	engine       *aggregation.Engine
	cache        *cache.TelemetryCache
	limiter      *ratelimit.Limiter
	validator    *validator.Validator
	publisher    EventPublisher
	metrics      *metrics.Metrics
	clock        clock.Clock
	cfg          config.IngestConfig
	storeTimeout time.Duration
	logger       *zap.Logger
}

// IngestDeps groups the collaborators of IngestService
type IngestDeps struct {
	Store        repository.Store
	Engine       *aggregation.Engine
	Cache        *cache.TelemetryCache
	Limiter      *ratelimit.Limiter
	Validator    *validator.Validator
	Publisher    EventPublisher
	Metrics      *metrics.Metrics
	Clock        clock.Clock
	Config       config.IngestConfig
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(deps IngestDeps) *IngestService {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Publisher == nil {
		deps.Publisher = NopPublisher{}
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Disabled()
	}
	return &IngestService{
		store:        deps.Store,
		engine:       deps.Engine,
		cache:        deps.Cache,
		limiter:      deps.Limiter,
		validator:    deps.Validator,
		publisher:    deps.Publisher,
		metrics:      deps.Metrics,
		clock:        deps.Clock,
		cfg:          deps.Config,
		storeTimeout: deps.StoreTimeout,
		logger:       deps.Logger,
	}
}

// Submit ingests one reading. Validation and device policy failures are
// returned as *apperror.ValidationError; a write that still fails after
// retries is returned as a store-unavailable error.
func (s *IngestService) Submit(ctx context.Context, id identity.Identity, in validator.RawReading, requestID, submissionID string) (Outcome, error) {
	started := s.clock.Now()
	defer func() { s.metrics.ObserveIngest("single", s.clock.Now().Sub(started)) }()

	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassIngest); err != nil {
		return Outcome{}, err
	}

	reqLogger := logging.WithTenant(logging.WithRequestID(s.logger, requestID), id.TenantID)
	now := s.clock.Now()

	w := &batchWriter{svc: s, tenantID: id.TenantID, requestID: requestID, submissionID: submissionID, now: now, logger: reqLogger}
	if submissionID != "" {
		w.slotID = singleSlotPrefix + submissionID
	}
	outcome := w.write(ctx, 0, in)
	w.finish(ctx)
	s.metrics.IngestOutcome(string(outcome.Status))

	switch outcome.Status {
	case StatusRejected:
		return outcome, &apperror.ValidationError{Errors: outcome.Errors}
	case StatusFailed:
		return outcome, w.lastErr
	}
	return outcome, nil
}

// SubmitBatch ingests a batch. Framing errors and throttling reject the whole
// batch; everything after that is reported per element and never aborts the
// remaining elements.
func (s *IngestService) SubmitBatch(ctx context.Context, id identity.Identity, batch Batch) (*BatchResult, error) {
	started := s.clock.Now()
	defer func() { s.metrics.ObserveIngest("batch", s.clock.Now().Sub(started)) }()

	if _, err := s.limiter.Allow(ctx, id.TenantID, ratelimit.ClassIngest); err != nil {
		return nil, err
	}
	if err := s.validator.CheckBatchSize(len(batch.Readings)); err != nil {
		return nil, err
	}

	reqLogger := logging.WithTenant(logging.WithRequestID(s.logger, batch.RequestID), id.TenantID)

	if batch.SubmissionID != "" {
		if replayed, ok := s.replay(ctx, id.TenantID, batch.SubmissionID); ok {
			reqLogger.Info("batch answered from replay cache",
				zap.String("submission_id", batch.SubmissionID),
				zap.Int("readings_count", replayed.Total),
			)
			return replayed, nil
		}
	}

	now := s.clock.Now()
	w := &batchWriter{svc: s, tenantID: id.TenantID, requestID: batch.RequestID, submissionID: batch.SubmissionID, now: now, logger: reqLogger}
	if batch.SubmissionID != "" {
		w.slotID = batchSlotPrefix + batch.SubmissionID
	}

	result := &BatchResult{
		SubmissionID: batch.SubmissionID,
		Total:        len(batch.Readings),
		Outcomes:     make([]Outcome, 0, len(batch.Readings)),
	}
	for i, in := range batch.Readings {
		outcome := w.write(ctx, i, in)
		result.count(outcome)
		s.metrics.IngestOutcome(string(outcome.Status))
		result.Outcomes = append(result.Outcomes, outcome)
	}
	w.finish(ctx)

	if batch.SubmissionID != "" && result.Failed == 0 && s.cache != nil {
		s.cache.SetReplay(ctx, id.TenantID, batch.SubmissionID, result)
	}

	reqLogger.Info("batch processed",
		zap.String("submission_id", batch.SubmissionID),
		zap.Int("total", result.Total),
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", result.Failed),
	)

	return result, nil
}

// replay answers a fully processed submission from the cache; every reading
// it accepted is now a duplicate.
func (s *IngestService) replay(ctx context.Context, tenantID, submissionID string) (*BatchResult, bool) {
	if s.cache == nil {
		return nil, false
	}
	var cached BatchResult
	if !s.cache.GetReplay(ctx, tenantID, submissionID, &cached) {
		return nil, false
	}

	cached.Replayed = true
	cached.Duplicates += cached.Accepted
	cached.Accepted = 0
	for i := range cached.Outcomes {
		if cached.Outcomes[i].Status == StatusAccepted {
			cached.Outcomes[i].Status = StatusDuplicate
		}
		s.metrics.IngestOutcome(string(cached.Outcomes[i].Status))
	}
	return &cached, true
}

// Single and batch submissions dedup in disjoint namespaces, so one submission
// id reused across the two shapes never marks a different reading duplicate.
const (
	singleSlotPrefix = "single:"
	batchSlotPrefix  = "batch:"
)

// batchWriter carries the per-request state of one submission
type batchWriter struct {
	svc          *IngestService
	tenantID     string
	requestID    string
	submissionID string
	slotID       string
	now          time.Time
	logger       *zap.Logger

	devices map[string]deviceState
	touched []string
	events  []mq.ReadingAcceptedEvent
	lastErr error
}

type deviceState struct {
	code string
	err  error
}

func (w *batchWriter) write(ctx context.Context, index int, in validator.RawReading) Outcome {
	s := w.svc
	outcome := Outcome{Index: index, DeviceKey: in.DeviceKey}

	normalized, errs := s.validator.ValidateRaw(in, w.now)
	if len(errs) > 0 {
		outcome.Status = StatusRejected
		outcome.Errors = errs
		return outcome
	}
	outcome.DeviceKey = normalized.DeviceKey

	state := w.resolveDevice(ctx, normalized.DeviceKey)
	if state.err != nil {
		w.lastErr = state.err
		outcome.Status = StatusFailed
		outcome.Errors = []apperror.FieldError{storeFailure()}
		return outcome
	}
	if state.code != "" {
		outcome.Status = StatusRejected
		outcome.Errors = []apperror.FieldError{rejection(state.code, normalized.DeviceKey)}
		return outcome
	}

	reading := &db.Reading{
		ID:         uuid.New(),
		TenantID:   w.tenantID,
		DeviceKey:  normalized.DeviceKey,
		PowerWatts: normalized.PowerWatts,
		ObservedAt: normalized.ObservedAt,
		IngestedAt: w.now,
	}
	if w.slotID != "" {
		submissionID, seq := w.slotID, index
		reading.SubmissionID = &submissionID
		reading.SubmissionSeq = &seq
	}

	applied, err := retryStore(ctx, s, "ingest_reading", func(ctx context.Context) (aggregation.Applied, error) {
		return s.engine.Apply(ctx, reading)
	})
	if err != nil {
		w.lastErr = apperror.StoreUnavailable(err)
		w.logger.Error("failed to persist reading",
			zap.Int("index", index),
			zap.String("device_key", reading.DeviceKey),
			zap.Error(err),
		)
		outcome.Status = StatusFailed
		outcome.Errors = []apperror.FieldError{storeFailure()}
		return outcome
	}

	if !applied.Inserted {
		outcome.Status = StatusDuplicate
		return outcome
	}

	outcome.Status = StatusAccepted
	outcome.ReadingID = reading.ID.String()
	outcome.Spike = applied.Spike
	outcome.SpikeReason = applied.SpikeReason

	w.touched = append(w.touched, reading.DeviceKey)
	w.events = append(w.events, mq.ReadingAcceptedEvent{
		EventID:      uuid.NewString(),
		RequestID:    w.requestID,
		TenantID:     reading.TenantID,
		DeviceKey:    reading.DeviceKey,
		ReadingID:    outcome.ReadingID,
		PowerWatts:   reading.PowerWatts,
		ObservedAt:   reading.ObservedAt,
		IngestedAt:   reading.IngestedAt,
		HourStart:    aggregation.HourStart(reading.ObservedAt),
		SubmissionID: w.submissionID,
		Spike:        applied.Spike,
		SpikeReason:  applied.SpikeReason,
	})
	return outcome
}

// resolveDevice applies the device policy once per device key per request
func (w *batchWriter) resolveDevice(ctx context.Context, deviceKey string) deviceState {
	if state, ok := w.devices[deviceKey]; ok {
		return state
	}
	if w.devices == nil {
		w.devices = make(map[string]deviceState)
	}

	s := w.svc
	state := deviceState{}
	device, err := retryStore(ctx, s, "get_device", func(ctx context.Context) (*db.Device, error) {
		return s.store.GetDevice(ctx, w.tenantID, deviceKey)
	})
	switch {
	case errors.Is(err, apperror.ErrNotFound):
		if !s.cfg.AutoRegisterDevices {
			state.code = CodeUnknownDevice
			break
		}
		device, err = w.register(ctx, deviceKey)
		if err != nil {
			state.err = apperror.StoreUnavailable(err)
		} else if !device.IsActive {
			state.code = CodeDeviceInactive
		}
	case err != nil:
		w.logger.Error("failed to resolve device", zap.String("device_key", deviceKey), zap.Error(err))
		state.err = apperror.StoreUnavailable(err)
	case !device.IsActive:
		state.code = CodeDeviceInactive
	}

	w.devices[deviceKey] = state
	return state
}

func (w *batchWriter) register(ctx context.Context, deviceKey string) (*db.Device, error) {
	s := w.svc
	type registered struct {
		device  *db.Device
		created bool
	}
	res, err := retryStore(ctx, s, "ensure_device", func(ctx context.Context) (registered, error) {
		device, created, err := s.store.EnsureDevice(ctx, db.Device{
			TenantID:  w.tenantID,
			DeviceKey: deviceKey,
			Name:      deviceKey,
			IsActive:  true,
			CreatedAt: w.now,
			UpdatedAt: w.now,
		})
		return registered{device: device, created: created}, err
	})
	if err != nil {
		w.logger.Error("failed to register device", zap.String("device_key", deviceKey), zap.Error(err))
		return nil, err
	}
	if res.created {
		w.logger.Info("device auto-registered", zap.String("device_key", deviceKey))
	}
	return res.device, nil
}

// finish drops stale summaries for every device that gained readings and
// publishes their events. Publish failures are logged only.
func (w *batchWriter) finish(ctx context.Context) {
	if len(w.touched) == 0 {
		return
	}
	s := w.svc

	if s.engine != nil {
		s.engine.Invalidate(ctx, w.tenantID, uniqueStrings(w.touched))
	}

	for _, event := range w.events {
		if err := s.publisher.PublishReadingAccepted(ctx, event); err != nil {
			w.logger.Error("failed to publish event",
				zap.Error(err),
				zap.String("device_key", event.DeviceKey),
				zap.String("reading_id", event.ReadingID),
			)
		}
	}
}

// retryStore runs op with a per-attempt store timeout, retrying transient
// failures with exponential backoff.
func retryStore[T any](ctx context.Context, s *IngestService, op string, fn func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryInitialBackoff > 0 {
		b.InitialInterval = s.cfg.RetryInitialBackoff
	}
	if s.cfg.RetryMaxBackoff > 0 {
		b.MaxInterval = s.cfg.RetryMaxBackoff
	}
	attempts := max(s.cfg.RetryMaxAttempts, 1)

	return backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := withTimeout(ctx, s.storeTimeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && !apperror.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.metrics.StoreRetry(op)
			s.logger.Warn("store call failed, retrying",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func storeFailure() apperror.FieldError {
	return apperror.FieldError{Field: "", Code: "store_unavailable", Message: "reading could not be stored, retry later"}
}

func rejection(code, deviceKey string) apperror.FieldError {
	msg := fmt.Sprintf("device %q is not registered", deviceKey)
	if code == CodeDeviceInactive {
		msg = fmt.Sprintf("device %q is deactivated", deviceKey)
	}
	return apperror.FieldError{Field: "device_key", Code: code, Message: msg}
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
