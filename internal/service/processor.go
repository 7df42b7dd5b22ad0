package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/energy-telemetry-service/internal/apperror"
	"github.com/septivank/energy-telemetry-service/internal/identity"
	"github.com/septivank/energy-telemetry-service/internal/logging"
	"github.com/septivank/energy-telemetry-service/internal/validator"
)

// IngestMessage represents a batch submission arriving over RabbitMQ
type IngestMessage struct {
	RequestID    string                 `json:"request_id"`
	TenantID     string                 `json:"tenant_id"`
	Role         string                 `json:"role,omitempty"`
	SubmissionID string                 `json:"submission_id,omitempty"`
	SentAt       time.Time              `json:"sent_at"`
	Readings     []validator.RawReading `json:"readings"`
}

// MessageProcessor adapts queued submissions onto the ingest service
type MessageProcessor struct {
	ingest *IngestService
	logger *zap.Logger
}

// NewMessageProcessor creates a new message processor
func NewMessageProcessor(ingest *IngestService, logger *zap.Logger) *MessageProcessor {
	return &MessageProcessor{ingest: ingest, logger: logger}
}

// ProcessMessage handles one delivery. Malformed messages and rejected
// framing return plain errors; throttling and store outages return errors the
// consumer recognizes as retryable.
func (p *MessageProcessor) ProcessMessage(ctx context.Context, body []byte) error {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	id, err := identity.New(msg.TenantID, msg.Role)
	if err != nil {
		return fmt.Errorf("message without tenant: %w", err)
	}

	reqLogger := logging.WithTenant(logging.WithRequestID(p.logger, msg.RequestID), id.TenantID)
	reqLogger.Info("processing message",
		zap.String("submission_id", msg.SubmissionID),
		zap.Int("readings_count", len(msg.Readings)),
	)

	result, err := p.ingest.SubmitBatch(ctx, id, Batch{
		RequestID:    msg.RequestID,
		SubmissionID: msg.SubmissionID,
		Readings:     msg.Readings,
	})
	if err != nil {
		reqLogger.Warn("batch not processed", zap.Error(err))
		return err
	}

	// failed elements are only safe to retry when the batch carries a submission id
	if result.Failed > 0 && msg.SubmissionID != "" {
		return fmt.Errorf("%d of %d readings failed: %w", result.Failed, result.Total, apperror.ErrStoreUnavailable)
	}

	reqLogger.Info("message processed successfully",
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("rejected", result.Rejected),
		zap.Int("failed", result.Failed),
	)
	return nil
}
