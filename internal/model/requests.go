package model

import "github.com/shopspring/decimal"

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email           string `json:"email"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirm_password"`
	Phone           string `json:"phone"`
	ClientID        string `json:"client_id"`
	ClientSecret    string `json:"client_secret"`
	Card            Card   `json:"card"`
}

type Amount struct {
	CurrencyCode string          `json:"currency_code"`
	Value        decimal.Decimal `json:"value"`
}

type Payee struct {
	EmailAddress string `json:"email_address"`
}

type PurchaseUnit struct {
	Amount      Amount `json:"amount"`
	Description string `json:"description,omitempty"`
	Payee       *Payee `json:"payee,omitempty"`
}

type OrderRequest struct {
	PurchaseUnits []PurchaseUnit `json:"purchase_units"`
	PayeeEmail    string         `json:"payee_email,omitempty"`
}

// SettlementRequest carries an already authenticated payer.
type SettlementRequest struct {
	PayerID    int
	Units      []PurchaseUnit
	PayeeEmail string
}
