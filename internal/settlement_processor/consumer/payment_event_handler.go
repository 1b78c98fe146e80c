package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	"github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
	"github.com/stablecoin-settlement-engine/internal/platform/messaging/producers"
)

// SettlementCreator is the orchestrator entry point for confirmed payments
type SettlementCreator interface {
	CreateSettlement(ctx context.Context, req *settlement.CreateRequest) (*settlement.Record, error)
}

// PaymentEventHandler turns payment-confirmed messages into PENDING settlements.
// Returning nil commits the offset; returning an error leaves it for redelivery.
type PaymentEventHandler struct {
	creator  SettlementCreator
	producer producers.DeadLetterPublisher
	logger   *slog.Logger
}

func NewPaymentEventHandler(
	logger *slog.Logger,
	creator SettlementCreator,
	producer producers.DeadLetterPublisher,
) *PaymentEventHandler {
	return &PaymentEventHandler{
		creator:  creator,
		producer: producer,
		logger:   logger.With("component", "payment_event_handler"),
	}
}

// HandleMessage processes Kafka messages
func (h *PaymentEventHandler) HandleMessage(ctx context.Context, key []byte, value []byte) error {
	var req settlement.CreateRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return h.deadLetter(ctx, key, value, "malformed payment confirmation", err)
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	ctx = logger.ContextWithCorrelationID(ctx, req.CorrelationID)
	log := logger.FromContext(ctx, h.logger)

	if err := req.Validate(); err != nil {
		return h.deadLetter(ctx, key, value, "invalid payment confirmation", err)
	}

	log.Info("Received payment confirmation",
		"payment_request_id", req.PaymentRequestID,
		"merchant_id", req.MerchantID,
		"amount", req.Amount.String(),
		"currency", req.Currency,
		"source_currency", req.SourceCurrency,
	)

	rec, err := h.creator.CreateSettlement(ctx, &req)
	switch {
	case err == nil:
		log.Info("Settlement created from payment confirmation",
			"payment_request_id", req.PaymentRequestID,
			"settlement_id", rec.ID.String(),
		)
		return nil
	case errors.Is(err, settlement.ErrDuplicatePaymentReference{}):
		log.Info("Duplicate payment confirmation acknowledged", "payment_request_id", req.PaymentRequestID)
		return nil
	case errors.Is(err, partner.ErrUnsupportedCurrency{}), errors.Is(err, partner.ErrConversionFailed{}):
		return h.deadLetter(ctx, key, value, "payment cannot be settled", err)
	case errors.Is(err, settlement.ErrRejectedByStore{}):
		return h.deadLetter(ctx, key, value, "settlement rejected by store", err)
	default:
		log.Error("Failed to create settlement, leaving message for redelivery",
			"payment_request_id", req.PaymentRequestID,
			"transient", partner.IsTransient(err),
			"error", err,
		)
		return fmt.Errorf("creating settlement for payment %s failed: %w", req.PaymentRequestID, err)
	}
}

// deadLetter parks a message that will never succeed. If the DLQ is unavailable the
// original error is returned so the message is redelivered instead of lost.
func (h *PaymentEventHandler) deadLetter(ctx context.Context, key, value []byte, what string, cause error) error {
	log := logger.FromContext(ctx, h.logger)
	reason := fmt.Sprintf("%s: %s", what, cause.Error())
	log.Error("Unprocessable payment message", "message_key", string(key), "reason", reason)

	if h.producer == nil {
		return fmt.Errorf("%s: %w", what, cause)
	}
	if err := h.producer.PublishToDLQ(ctx, string(key), value, reason); err != nil {
		log.Error("Failed to publish message to DLQ",
			"dlq_error", err,
			"original_error", cause,
			"message_key", string(key),
		)
		return fmt.Errorf("%s: %w", what, cause)
	}

	log.Info("Published unprocessable message to DLQ", "message_key", string(key))
	return nil
}
