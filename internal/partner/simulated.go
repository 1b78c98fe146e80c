package partner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// defaultRates are units of each currency per US dollar
var defaultRates = map[string]decimal.Decimal{
	"USD":  decimal.NewFromInt(1),
	"USDC": decimal.NewFromInt(1),
	"USDT": decimal.NewFromInt(1),
	"EUR":  decimal.RequireFromString("0.92"),
	"GBP":  decimal.RequireFromString("0.79"),
	"NGN":  decimal.RequireFromString("1580"),
	"KES":  decimal.RequireFromString("129.5"),
	"ZAR":  decimal.RequireFromString("18.6"),
}

type simTransfer struct {
	id        string
	reference string
	amount    decimal.Decimal
	currency  string
	createdAt time.Time
	failure   string
}

// TransferBook holds the transfers accepted by a SimulatedGateway.
// One book is created per process (or per test) and injected.
type TransferBook struct {
	mu              sync.Mutex
	byID            map[string]*simTransfer
	byReference     map[string]*simTransfer
	failures        map[string][]error
	calls           map[string]int
	conversions     map[string]Conversion
	conversionCalls map[string]int
}

// NewTransferBook returns an empty book
func NewTransferBook() *TransferBook {
	return &TransferBook{
		byID:            make(map[string]*simTransfer),
		byReference:     make(map[string]*simTransfer),
		failures:        make(map[string][]error),
		calls:           make(map[string]int),
		conversions:     make(map[string]Conversion),
		conversionCalls: make(map[string]int),
	}
}

// FailNext scripts the next len(errs) transfer calls for reference to fail with errs in order
func (b *TransferBook) FailNext(reference string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[reference] = append(b.failures[reference], errs...)
}

// Calls returns how many transfer calls were made for reference
func (b *TransferBook) Calls(reference string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[reference]
}

// ConversionCalls returns how many conversion calls were made for reference
func (b *TransferBook) ConversionCalls(reference string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversionCalls[reference]
}

// Conversions returns the number of distinct conversions executed under a reference
func (b *TransferBook) Conversions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conversions)
}

// Bounce marks an accepted transfer as failed on the partner side
func (b *TransferBook) Bounce(transferID, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.byID[transferID]
	if ok {
		t.failure = reason
	}
	return ok
}

// Len returns the number of accepted transfers
func (b *TransferBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}

// SimulatedConfig tunes the simulated partner
type SimulatedConfig struct {
	FeePercentage decimal.Decimal
	SettleDelay   time.Duration // time until a transfer reports completed
	Rates         map[string]decimal.Decimal
}

// SimulatedGateway is a deterministic in-process partner for development and tests
type SimulatedGateway struct {
	cfg    SimulatedConfig
	book   *TransferBook
	logger *slog.Logger
	now    func() time.Time
}

// NewSimulatedGateway creates a simulated partner backed by book
func NewSimulatedGateway(cfg SimulatedConfig, book *TransferBook, logger *slog.Logger) *SimulatedGateway {
	if cfg.Rates == nil {
		cfg.Rates = defaultRates
	}
	if book == nil {
		book = NewTransferBook()
	}
	return &SimulatedGateway{
		cfg:    cfg,
		book:   book,
		logger: logger.With("component", "simulated_partner"),
		now:    time.Now,
	}
}

func (g *SimulatedGateway) GetExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, MapContextError(ctx, err)
	}
	fromRate, ok := g.cfg.Rates[strings.ToUpper(from)]
	if !ok {
		return decimal.Zero, ErrUnsupportedCurrency{From: from, To: to}
	}
	toRate, ok := g.cfg.Rates[strings.ToUpper(to)]
	if !ok {
		return decimal.Zero, ErrUnsupportedCurrency{From: from, To: to}
	}
	return toRate.Div(fromRate), nil
}

func (g *SimulatedGateway) ConvertToFiat(ctx context.Context, sourceAmount decimal.Decimal, sourceCurrency, targetCurrency, reference string) (*Conversion, error) {
	if !sourceAmount.IsPositive() {
		return nil, ErrConversionFailed{Reason: "source amount must be positive"}
	}
	rate, err := g.GetExchangeRate(ctx, sourceCurrency, targetCurrency)
	if err != nil {
		if IsTransient(err) || IsCanceled(err) {
			return nil, err
		}
		return nil, ErrConversionFailed{Reason: err.Error()}
	}

	b := g.book
	b.mu.Lock()
	defer b.mu.Unlock()

	if reference != "" {
		b.conversionCalls[reference]++
		if existing, ok := b.conversions[reference]; ok {
			return &existing, nil
		}
	}

	gross := sourceAmount.Mul(rate)
	fee := gross.Mul(g.cfg.FeePercentage)
	conv := Conversion{
		SourceAmount: sourceAmount,
		TargetAmount: gross.Sub(fee),
		Rate:         rate,
		Fee:          fee,
	}
	if reference != "" {
		b.conversions[reference] = conv
	}
	return &conv, nil
}

func (g *SimulatedGateway) InitiateBankTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, MapContextError(ctx, err)
	}

	b := g.book
	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls[req.Reference]++
	if queued := b.failures[req.Reference]; len(queued) > 0 {
		b.failures[req.Reference] = queued[1:]
		g.logger.Debug("Scripted transfer failure", "reference", req.Reference, "error", queued[0])
		return nil, queued[0]
	}

	if existing, ok := b.byReference[req.Reference]; ok {
		return &Transfer{TransferID: existing.id, Status: TransferPending, Reference: req.Reference}, nil
	}

	if !req.Amount.IsPositive() {
		return nil, ErrTransferRejected{Reference: req.Reference, Reason: "amount must be positive"}
	}
	if req.Recipient.AccountNumber == "" || req.Recipient.RoutingNumber == "" {
		return nil, ErrTransferRejected{Reference: req.Reference, Reason: "incomplete recipient"}
	}
	if _, ok := g.cfg.Rates[strings.ToUpper(req.Currency)]; !ok {
		return nil, ErrTransferRejected{Reference: req.Reference, Reason: fmt.Sprintf("currency %s not supported", req.Currency)}
	}

	t := &simTransfer{
		id:        "sim_tr_" + uuid.NewString(),
		reference: req.Reference,
		amount:    req.Amount,
		currency:  strings.ToUpper(req.Currency),
		createdAt: g.now(),
	}
	b.byID[t.id] = t
	b.byReference[t.reference] = t

	g.logger.Info("Simulated transfer accepted", "transfer_id", t.id, "reference", t.reference, "amount", t.amount.String(), "currency", t.currency)
	return &Transfer{TransferID: t.id, Status: TransferPending, Reference: t.reference}, nil
}

func (g *SimulatedGateway) GetSettlementStatus(ctx context.Context, transferID string) (*TransferStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, MapContextError(ctx, err)
	}

	g.book.mu.Lock()
	stored, ok := g.book.byID[transferID]
	var t simTransfer
	if ok {
		t = *stored
	}
	g.book.mu.Unlock()
	if !ok {
		return nil, ErrTransferNotFound{TransferID: transferID}
	}

	if t.failure != "" {
		return &TransferStatus{TransferID: t.id, Status: TransferFailed, FailureReason: t.failure}, nil
	}

	completeAt := t.createdAt.Add(g.cfg.SettleDelay)
	if g.now().Before(completeAt) {
		return &TransferStatus{TransferID: t.id, Status: TransferProcessing}, nil
	}
	return &TransferStatus{TransferID: t.id, Status: TransferCompleted, CompletedAt: &completeAt}, nil
}
