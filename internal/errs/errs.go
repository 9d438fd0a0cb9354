package errs

import "errors"

var ErrInsufficientFunds = errors.New("not enough balance")
var ErrUserNotFound = errors.New("user not found")
var ErrInvalidToken = errors.New("invalid token")
var ErrLoginAlreadyExists = errors.New("login already exists")
var ErrUnauthorized = errors.New("unauthorized")

// settlement
var ErrInvalidRequest = errors.New("invalid request")
var ErrPayerNotFound = errors.New("payer not found")
var ErrPayeeNotFound = errors.New("payee not found")
var ErrCaptureFailed = errors.New("capture failed")
var ErrLedgerWrite = errors.New("ledger write failed after capture")
var ErrSettlementNotFound = errors.New("settlement not found")
var ErrSettlementState = errors.New("settlement is not pending")

// payment gateway
var ErrAuth = errors.New("payment gateway authorization failed")
var ErrOrderCreation = errors.New("payment order creation failed")
var ErrCapture = errors.New("payment capture not completed")
