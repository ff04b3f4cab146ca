package models

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"
)

// Balance is the amount received on a deposit address, in minor units.
// Available counts confirmed funds only; Total includes unconfirmed ones.
type Balance struct {
	Available *big.Int `json:"available"`
	Total     *big.Int `json:"total"`
}

// CallbackRef is opaque metadata attached to a provisioned address so gateway
// webhooks can be correlated back to the payment.
type CallbackRef struct {
	PaymentID string  `json:"payment_id"`
	UserID    string  `json:"user_id"`
	Purpose   Purpose `json:"purpose"`
}

// AddressProvisioner mints single-use deposit addresses.
type AddressProvisioner interface {
	ProvisionAddress(ctx context.Context, account, currencyCode string, callback CallbackRef) (string, error)
}

// BalanceChecker reports the balance received on an address.
type BalanceChecker interface {
	GetBalance(ctx context.Context, account, address, currencyCode string) (*Balance, error)
}

// RateSource returns the fiat price of one unit of a currency.
type RateSource interface {
	GetExchangeRate(ctx context.Context, currencyCode string) (decimal.Decimal, error)
}

// Gateway is the external crypto payment gateway.
type Gateway interface {
	AddressProvisioner
	BalanceChecker
	RateSource
}
