package model

import "errors"

var errCardIncomplete = errors.New("card details incomplete")

// Card is the payment instrument forwarded to the processor as is. Its fields are opaque.
type Card struct {
	Name         string `json:"name"`
	Number       string `json:"number"`
	SecurityCode string `json:"security_code"`
	Expiry       string `json:"expiry"`
}

func (c Card) Complete() bool {
	return c.Name != "" && c.Number != "" && c.SecurityCode != "" && c.Expiry != ""
}

func (c Card) Validate() error {
	if !c.Complete() {
		return errCardIncomplete
	}
	return nil
}
