package gateway

import "github.com/and161185/payledger/internal/model"

const (
	tokenPath    = "/v1/oauth2/token"
	ordersPath   = "/v2/checkout/orders"
	balancesPath = "/v1/reporting/balances"

	requestIDHeader = "PayPal-Request-Id"
	statusCompleted = "COMPLETED"
)

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type payee struct {
	EmailAddress string `json:"email_address"`
}

type purchaseUnit struct {
	Amount      amount `json:"amount"`
	Description string `json:"description,omitempty"`
	Payee       *payee `json:"payee,omitempty"`
}

type card struct {
	Name         string `json:"name"`
	Number       string `json:"number"`
	SecurityCode string `json:"security_code"`
	Expiry       string `json:"expiry"`
}

type paymentSource struct {
	Card card `json:"card"`
}

type createOrderRequest struct {
	Intent        string         `json:"intent"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	PaymentSource paymentSource  `json:"payment_source"`
}

type createOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount amount `json:"amount"`
}

type captureResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func toWireUnits(units []model.PurchaseUnit) []purchaseUnit {
	out := make([]purchaseUnit, 0, len(units))
	for _, u := range units {
		pu := purchaseUnit{
			Amount: amount{
				CurrencyCode: u.Amount.CurrencyCode,
				Value:        model.FormatMoney(u.Amount.Value),
			},
			Description: u.Description,
		}
		if u.Payee != nil && u.Payee.EmailAddress != "" {
			pu.Payee = &payee{EmailAddress: u.Payee.EmailAddress}
		}
		out = append(out, pu)
	}
	return out
}

func toWireCard(c model.Card) card {
	return card{Name: c.Name, Number: c.Number, SecurityCode: c.SecurityCode, Expiry: c.Expiry}
}
