package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SettlementState string

const (
	Received           SettlementState = "RECEIVED"
	Validated          SettlementState = "VALIDATED"
	FundsChecked       SettlementState = "FUNDS_CHECKED"
	Captured           SettlementState = "CAPTURED"
	LedgerUpdated      SettlementState = "LEDGER_UPDATED"
	Notified           SettlementState = "NOTIFIED"
	Rejected           SettlementState = "REJECTED"
	CaptureFailed      SettlementState = "CAPTURE_FAILED"
	LedgerInconsistent SettlementState = "LEDGER_INCONSISTENT"
)

// Only these states are ever written to the settlements table.
func (s SettlementState) Persisted() bool {
	switch s {
	case FundsChecked, LedgerUpdated, CaptureFailed, LedgerInconsistent:
		return true
	}
	return false
}

type EntryKind string

const (
	EntryOpening    EntryKind = "OPENING"
	EntryDebit      EntryKind = "DEBIT"
	EntryCredit     EntryKind = "CREDIT"
	EntryExternal   EntryKind = "EXTERNAL"
	EntryAdjustment EntryKind = "ADJUSTMENT"
)

type ClientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type User struct {
	ID        int             `json:"id"`
	Email     string          `json:"email"`
	Username  string          `json:"username,omitempty"`
	Phone     string          `json:"-"`
	Balance   decimal.Decimal `json:"-"`
	Held      decimal.Decimal `json:"-"`
	CreatedAt time.Time       `json:"created_at"`
}

type NewUser struct {
	Email        string
	Username     string
	PasswordHash string
	Phone        string
	Credentials  ClientCredentials
	Card         Card
	Balance      decimal.Decimal
}

// UserFunds is everything a settlement needs to know about its payer.
type UserFunds struct {
	User
	Card        Card
	Credentials ClientCredentials
}

func (f UserFunds) Available() decimal.Decimal {
	return f.Balance.Sub(f.Held)
}

type Settlement struct {
	ID               string
	PayerID          int
	PayeeID          *int
	Amount           decimal.Decimal
	State            SettlementState
	ProcessorOrderID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type CommitResult struct {
	PayerBalance decimal.Decimal
	PayeeBalance *decimal.Decimal
}

type CaptureResult struct {
	OrderID string
	Status  string
	Amount  decimal.Decimal
}

type SettlementResult struct {
	SettlementID   string
	OrderID        string
	Status         string
	CapturedAmount decimal.Decimal
	PayerBalance   decimal.Decimal
	PayeeBalance   *decimal.Decimal
}

type AccountReconciliation struct {
	UserID     int
	Email      string
	Balance    decimal.Decimal
	Held       decimal.Decimal
	JournalSum decimal.Decimal
}

func (a AccountReconciliation) Consistent() bool {
	return a.Balance.Equal(a.JournalSum)
}

type ReconcileReport struct {
	Accounts              []AccountReconciliation
	UnbalancedSettlements []string
}

func (r ReconcileReport) Consistent() bool {
	if len(r.UnbalancedSettlements) > 0 {
		return false
	}
	for _, a := range r.Accounts {
		if !a.Consistent() {
			return false
		}
	}
	return true
}

type Notification struct {
	UserID int
	To     string
	Body   string
}

type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type ProcessorBalanceItem struct {
	Currency         string `json:"currency"`
	Primary          bool   `json:"primary"`
	TotalBalance     Money  `json:"total_balance"`
	AvailableBalance Money  `json:"available_balance"`
	WithheldBalance  Money  `json:"withheld_balance"`
}

type ProcessorBalance struct {
	Balances        []ProcessorBalanceItem `json:"balances"`
	AccountID       string                 `json:"account_id,omitempty"`
	AsOfTime        string                 `json:"as_of_time,omitempty"`
	LastRefreshTime string                 `json:"last_refresh_time,omitempty"`
}
