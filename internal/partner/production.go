package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the production partner client
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables throttling
	RateBurst int
}

// HTTPGateway talks to the partner's REST API
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHTTPGateway creates the production partner client
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) (*HTTPGateway, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid partner base url: %w", err)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "partner_http"),
	}, nil
}

func (g *HTTPGateway) GetExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	query := url.Values{"from": {strings.ToUpper(from)}, "to": {strings.ToUpper(to)}}
	var resp struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/rates?"+query.Encode(), nil, "", &resp); err != nil {
		var rejected apiRejection
		if errors.As(err, &rejected) {
			switch rejected.status {
			case http.StatusNotFound, http.StatusUnprocessableEntity:
				return decimal.Zero, ErrUnsupportedCurrency{From: from, To: to}
			default:
				return decimal.Zero, ErrConversionFailed{Reason: rejected.message}
			}
		}
		return decimal.Zero, err
	}
	return resp.Rate, nil
}

func (g *HTTPGateway) ConvertToFiat(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetCurrency, reference string) (*Conversion, error) {
	body := map[string]any{
		"source_amount":   sourceAmount,
		"source_currency": strings.ToUpper(sourceCurrency),
		"target_currency": strings.ToUpper(targetCurrency),
	}
	if reference != "" {
		body["reference"] = reference
	}
	var conv Conversion
	if err := g.do(ctx, http.MethodPost, "/v1/conversions", body, reference, &conv); err != nil {
		var rejected apiRejection
		if errors.As(err, &rejected) {
			return nil, ErrConversionFailed{Reason: rejected.message}
		}
		return nil, err
	}
	return &conv, nil
}

func (g *HTTPGateway) InitiateBankTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var transfer Transfer
	if err := g.do(ctx, http.MethodPost, "/v1/transfers", req, req.Reference, &transfer); err != nil {
		var rejected apiRejection
		if errors.As(err, &rejected) {
			return nil, ErrTransferRejected{Reference: req.Reference, Reason: rejected.message}
		}
		return nil, err
	}
	if transfer.Reference == "" {
		transfer.Reference = req.Reference
	}
	return &transfer, nil
}

func (g *HTTPGateway) GetSettlementStatus(ctx context.Context, transferID string) (*TransferStatus, error) {
	var status TransferStatus
	if err := g.do(ctx, http.MethodGet, "/v1/transfers/"+url.PathEscape(transferID), nil, "", &status); err != nil {
		var rejected apiRejection
		if errors.As(err, &rejected) && rejected.status == http.StatusNotFound {
			return nil, ErrTransferNotFound{TransferID: transferID}
		}
		return nil, err
	}
	return &status, nil
}

// apiRejection is a 4xx answer that refuses the request itself, translated by each caller
type apiRejection struct {
	status  int
	message string
}

func (e apiRejection) Error() string {
	return fmt.Sprintf("partner rejected request (%d): %s", e.status, e.message)
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return MapContextError(ctx, ctxErr)
		}
		// the wait would outlast the deadline
		return fmt.Errorf("%w: rate limiter: %v", ErrGatewayTimeout, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal partner request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build partner request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w: %s %s", ErrGatewayTimeout, method, path)
		}
		if mapped := MapContextError(ctx, err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	g.logger.Debug("Partner call", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", ErrGatewayTimeout, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// throttling and credential problems say nothing about the request itself
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return apiRejection{status: resp.StatusCode, message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrGatewayUnavailable, err)
	}
	return nil
}
