package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stablecoin-settlement-engine/internal/api_gateway/service"
	"github.com/stablecoin-settlement-engine/internal/domain/settlement"
	applog "github.com/stablecoin-settlement-engine/internal/logger"
	"github.com/stablecoin-settlement-engine/internal/partner"
	processor "github.com/stablecoin-settlement-engine/internal/settlement_processor/service"
)

// SettlementHandler handles HTTP requests for settlements
type SettlementHandler struct {
	logger            *slog.Logger
	settlementService service.SettlementService
}

// NewSettlementHandler creates a new settlement handler
func NewSettlementHandler(logger *slog.Logger, settlementService service.SettlementService) *SettlementHandler {
	return &SettlementHandler{
		logger:            logger,
		settlementService: settlementService,
	}
}

// Create handles POST /settlements
func (h *SettlementHandler) Create(c *gin.Context) {
	var req CreateSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.settlementService.CreateSettlement(c.Request.Context(), req.toDomain())
	if err != nil {
		h.respondError(c, err, "Failed to create settlement")
		return
	}

	RespondCreated(c, toSettlementResponse(rec))
}

// GetByID handles GET /settlements/:id
func (h *SettlementHandler) GetByID(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	rec, err := h.settlementService.GetSettlement(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get settlement")
		return
	}

	RespondOK(c, toSettlementResponse(rec))
}

// GetAttempts handles GET /settlements/:id/attempts
func (h *SettlementHandler) GetAttempts(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	attempts, err := h.settlementService.ListAttempts(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to list settlement attempts")
		return
	}
	if attempts == nil {
		attempts = []*settlement.Attempt{}
	}

	RespondOK(c, attempts)
}

// GetTransferStatus handles GET /settlements/:id/transfer-status
func (h *SettlementHandler) GetTransferStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	status, err := h.settlementService.GetTransferStatus(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get transfer status")
		return
	}

	RespondOK(c, status)
}

// ListByMerchant handles GET /merchants/:merchant_id/settlements
func (h *SettlementHandler) ListByMerchant(c *gin.Context) {
	var params PaginationParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid pagination parameters: "+err.Error())
		return
	}

	records, total, err := h.settlementService.ListByMerchant(c.Request.Context(), c.Param("merchant_id"), params.Page, params.PerPage)
	if err != nil {
		h.respondError(c, err, "Failed to list merchant settlements")
		return
	}

	RespondWithPaginatedData(c, http.StatusOK, toSettlementResponses(records), params.Page, params.PerPage, int(total))
}

// MerchantStats handles GET /merchants/:merchant_id/settlements/stats
func (h *SettlementHandler) MerchantStats(c *gin.Context) {
	stats, err := h.settlementService.MerchantStats(c.Request.Context(), c.Param("merchant_id"))
	if err != nil {
		h.respondError(c, err, "Failed to compute merchant stats")
		return
	}

	RespondOK(c, stats)
}

// ListByStatus handles GET /settlements?status=
func (h *SettlementHandler) ListByStatus(c *gin.Context) {
	var params StatusListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		RespondBadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}

	status, err := settlement.ParseStatus(params.Status)
	if err != nil {
		RespondBadRequest(c, err.Error())
		return
	}

	records, total, err := h.settlementService.ListByStatus(c.Request.Context(), status, params.Page, params.PerPage)
	if err != nil {
		h.respondError(c, err, "Failed to list settlements")
		return
	}

	RespondWithPaginatedData(c, http.StatusOK, toSettlementResponses(records), params.Page, params.PerPage, int(total))
}

// TriggerBatch handles POST /settlements/batches. The batch runs to completion before
// the response is written, so the summary is final.
func (h *SettlementHandler) TriggerBatch(c *gin.Context) {
	result, err := h.settlementService.TriggerBatch(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to run settlement batch")
		return
	}

	RespondOK(c, toBatchResponse(result))
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondBadRequest(c, "Invalid settlement ID format")
		return uuid.Nil, false
	}
	return id, true
}

// respondError maps domain and partner errors onto HTTP statuses
func (h *SettlementHandler) respondError(c *gin.Context, err error, logMessage string) {
	var duplicate settlement.ErrDuplicatePaymentReference
	var notFound settlement.ErrSettlementNotFound

	switch {
	case errors.As(err, &duplicate):
		RespondConflict(c, err.Error())
	case errors.As(err, &notFound):
		RespondNotFound(c, "Settlement not found")
	case errors.Is(err, processor.ErrBatchInProgress):
		RespondConflict(c, err.Error())
	case errors.Is(err, service.ErrNoTransfer):
		RespondNotFound(c, err.Error())
	case isValidationError(err):
		RespondBadRequest(c, err.Error())
	case errors.Is(err, settlement.ErrRejectedByStore{}):
		applog.FromContext(c.Request.Context(), h.logger).Warn(logMessage, "error", err)
		RespondBadRequest(c, "Settlement rejected: amounts are out of range")
	case isPartnerError(err):
		applog.FromContext(c.Request.Context(), h.logger).Warn(logMessage, "error", err)
		RespondBadGateway(c, err.Error())
	default:
		applog.FromContext(c.Request.Context(), h.logger).Error(logMessage, "error", err)
		RespondInternalError(c)
	}
}

func isValidationError(err error) bool {
	for _, target := range []error{
		settlement.ErrEmptyPaymentRequestID,
		settlement.ErrEmptyMerchantID,
		settlement.ErrInvalidAmount,
		settlement.ErrAmountPrecision,
		settlement.ErrInvalidCurrency,
		settlement.ErrIncompleteBankDetails,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isPartnerError(err error) bool {
	return partner.IsTransient(err) ||
		errors.Is(err, partner.ErrUnsupportedCurrency{}) ||
		errors.Is(err, partner.ErrConversionFailed{}) ||
		errors.Is(err, partner.ErrTransferNotFound{})
}
