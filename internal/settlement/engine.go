package settlement

//go:generate mockgen -destination=../mocks/mock_settlement.go -package=mocks github.com/and161185/payledger/internal/settlement Ledger,Gateway,Notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/payledger/internal/errs"
	"github.com/and161185/payledger/internal/metrics"
	"github.com/and161185/payledger/internal/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Ledger interface {
	GetFunds(ctx context.Context, userID int) (model.UserFunds, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	HoldFunds(ctx context.Context, settlement model.Settlement) error
	ReleaseHold(ctx context.Context, id string) error
	CommitSettlement(ctx context.Context, id, processorOrderID string) (model.CommitResult, error)
	MarkInconsistent(ctx context.Context, id, processorOrderID string) error
}

type Gateway interface {
	CreateAndCapture(ctx context.Context, units []model.PurchaseUnit, instrument model.Card, creds model.ClientCredentials) (model.CaptureResult, error)
}

type Notifier interface {
	Enqueue(n model.Notification) bool
}

// Engine settles one order at a time per call; it keeps no state between calls
// and relies on the ledger's conditional updates for concurrency safety.
type Engine struct {
	ledger   Ledger
	gateway  Gateway
	notifier Notifier
	currency string
	logger   *zap.SugaredLogger
	newID    func() string
}

func NewEngine(ledger Ledger, gateway Gateway, notifier Notifier, currency string, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		currency: currency,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

func (e *Engine) Settle(ctx context.Context, req model.SettlementRequest) (model.SettlementResult, error) {
	start := time.Now()
	result, state, err := e.settle(ctx, req)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	metrics.SettlementsTotal.WithLabelValues(string(state)).Inc()
	return result, err
}

func (e *Engine) settle(ctx context.Context, req model.SettlementRequest) (model.SettlementResult, model.SettlementState, error) {
	log := e.logger.With("payer_id", req.PayerID)

	// defaults are filled in on a private copy of the units
	req.Units = append([]model.PurchaseUnit(nil), req.Units...)
	total, payeeEmail, err := e.validate(req)
	if err != nil {
		log.Infow("settlement rejected", "reason", err)
		return model.SettlementResult{}, model.Rejected, err
	}

	payer, err := e.ledger.GetFunds(ctx, req.PayerID)
	if err != nil {
		if errors.Is(err, errs.ErrUserNotFound) {
			return model.SettlementResult{}, model.Rejected, errs.ErrPayerNotFound
		}
		return model.SettlementResult{}, model.Rejected, fmt.Errorf("resolve payer: %w", err)
	}

	var payee *model.User
	if payeeEmail != "" {
		u, err := e.ledger.GetUserByEmail(ctx, payeeEmail)
		if err != nil {
			if errors.Is(err, errs.ErrUserNotFound) {
				return model.SettlementResult{}, model.Rejected, fmt.Errorf("%w: %s", errs.ErrPayeeNotFound, payeeEmail)
			}
			return model.SettlementResult{}, model.Rejected, fmt.Errorf("resolve payee: %w", err)
		}
		payee = &u
	}

	if payer.Available().LessThan(total) {
		log.Infow("insufficient funds", "available", model.FormatMoney(payer.Available()), "total", model.FormatMoney(total))
		return model.SettlementResult{}, model.Rejected, errs.ErrInsufficientFunds
	}

	settlement := model.Settlement{
		ID:      e.newID(),
		PayerID: payer.ID,
		Amount:  total,
		State:   model.FundsChecked,
	}
	if payee != nil {
		settlement.PayeeID = &payee.ID
	}
	log = log.With("settlement_id", settlement.ID)

	// the hold re-checks available funds atomically; the read above only avoids a write for obvious rejects
	if err := e.ledger.HoldFunds(ctx, settlement); err != nil {
		if errors.Is(err, errs.ErrInsufficientFunds) {
			return model.SettlementResult{}, model.Rejected, err
		}
		return model.SettlementResult{}, model.Rejected, fmt.Errorf("hold funds: %w", err)
	}
	log.Debugw("settlement state", "state", model.FundsChecked, "amount", model.FormatMoney(total))

	// once the hold is placed the request going away must not split create from capture;
	// the gateway's own timeout bounds this call
	gatewayCtx := context.WithoutCancel(ctx)
	capture, err := e.gateway.CreateAndCapture(gatewayCtx, req.Units, payer.Card, payer.Credentials)
	if err != nil {
		if releaseErr := e.ledger.ReleaseHold(gatewayCtx, settlement.ID); releaseErr != nil {
			log.Errorw("release hold after failed capture", "error", releaseErr)
		}
		log.Warnw("capture failed", "error", err)
		return model.SettlementResult{}, model.CaptureFailed, fmt.Errorf("%w: %w", errs.ErrCaptureFailed, err)
	}
	log = log.With("order_id", capture.OrderID)
	log.Debugw("settlement state", "state", model.Captured)

	balances, err := e.ledger.CommitSettlement(gatewayCtx, settlement.ID, capture.OrderID)
	if err != nil {
		if markErr := e.ledger.MarkInconsistent(gatewayCtx, settlement.ID, capture.OrderID); markErr != nil {
			log.Errorw("mark settlement inconsistent", "error", markErr)
		}
		log.Errorw("ledger update failed after capture, manual reconciliation required", "error", err)
		return model.SettlementResult{}, model.LedgerInconsistent,
			fmt.Errorf("%w: settlement %s order %s: %w", errs.ErrLedgerWrite, settlement.ID, capture.OrderID, err)
	}
	log.Debugw("settlement state", "state", model.LedgerUpdated)

	result := model.SettlementResult{
		SettlementID:   settlement.ID,
		OrderID:        capture.OrderID,
		Status:         capture.Status,
		CapturedAmount: capture.Amount,
		PayerBalance:   balances.PayerBalance,
		PayeeBalance:   balances.PayeeBalance,
	}

	e.notify(log, payer.User, payee, result, total)
	log.Infow("settlement completed", "amount", model.FormatMoney(total))

	return result, model.Notified, nil
}

func (e *Engine) validate(req model.SettlementRequest) (decimal.Decimal, string, error) {
	if len(req.Units) == 0 {
		return decimal.Zero, "", fmt.Errorf("%w: no purchase units", errs.ErrInvalidRequest)
	}

	total := decimal.Zero
	payeeEmail := req.PayeeEmail
	for i := range req.Units {
		unit := &req.Units[i]
		if unit.Amount.CurrencyCode == "" {
			unit.Amount.CurrencyCode = e.currency
		}
		if unit.Amount.CurrencyCode != e.currency {
			return decimal.Zero, "", fmt.Errorf("%w: unit %d currency %s, ledger currency is %s",
				errs.ErrInvalidRequest, i, unit.Amount.CurrencyCode, e.currency)
		}
		if unit.Amount.Value.IsNegative() {
			return decimal.Zero, "", fmt.Errorf("%w: unit %d amount is negative", errs.ErrInvalidRequest, i)
		}
		if _, err := model.ToCents(unit.Amount.Value); err != nil {
			return decimal.Zero, "", fmt.Errorf("%w: unit %d: %w", errs.ErrInvalidRequest, i, err)
		}
		if unit.Payee != nil && unit.Payee.EmailAddress != "" {
			if payeeEmail == "" {
				payeeEmail = unit.Payee.EmailAddress
			} else if payeeEmail != unit.Payee.EmailAddress {
				return decimal.Zero, "", fmt.Errorf("%w: units name different payees", errs.ErrInvalidRequest)
			}
		}
		total = total.Add(unit.Amount.Value)
	}

	if !total.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("%w: order total must be positive", errs.ErrInvalidRequest)
	}

	return total, payeeEmail, nil
}

func (e *Engine) notify(log *zap.SugaredLogger, payer model.User, payee *model.User, result model.SettlementResult, total decimal.Decimal) {
	if e.notifier == nil {
		return
	}

	if payer.Phone != "" {
		body := fmt.Sprintf("Payment of %s %s completed (order %s). New balance: %s.",
			model.FormatMoney(total), e.currency, result.OrderID, model.FormatMoney(result.PayerBalance))
		if !e.notifier.Enqueue(model.Notification{UserID: payer.ID, To: payer.Phone, Body: body}) {
			log.Warnw("payer notification dropped")
		}
	}

	if payee != nil && payee.ID != payer.ID && payee.Phone != "" && result.PayeeBalance != nil {
		body := fmt.Sprintf("You received %s %s from %s. New balance: %s.",
			model.FormatMoney(total), e.currency, payer.Email, model.FormatMoney(*result.PayeeBalance))
		if !e.notifier.Enqueue(model.Notification{UserID: payee.ID, To: payee.Phone, Body: body}) {
			log.Warnw("payee notification dropped")
		}
	}
}

// Resolve settles a held or flagged settlement by hand: commit books it, otherwise the hold is released.
func (e *Engine) Resolve(ctx context.Context, id string, commit bool) (model.CommitResult, error) {
	log := e.logger.With("settlement_id", id)

	if !commit {
		if err := e.ledger.ReleaseHold(ctx, id); err != nil {
			return model.CommitResult{}, fmt.Errorf("release settlement %s: %w", id, err)
		}
		log.Infow("settlement released by operator")
		metrics.SettlementsTotal.WithLabelValues(string(model.CaptureFailed)).Inc()
		return model.CommitResult{}, nil
	}

	balances, err := e.ledger.CommitSettlement(ctx, id, "")
	if err != nil {
		return model.CommitResult{}, fmt.Errorf("commit settlement %s: %w", id, err)
	}
	log.Infow("settlement committed by operator", "payer_balance", model.FormatMoney(balances.PayerBalance))
	metrics.SettlementsTotal.WithLabelValues(string(model.LedgerUpdated)).Inc()

	return balances, nil
}
