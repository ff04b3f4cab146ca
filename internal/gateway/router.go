package gateway

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvo/internal/models"
)

// Router is a models.Gateway that sends balance checks for selected currencies
// to dedicated sources and everything else to the primary gateway.
type Router struct {
	primary  models.Gateway
	balances map[string]models.BalanceChecker
}

// NewRouter creates a Router on top of primary.
func NewRouter(primary models.Gateway) *Router {
	return &Router{primary: primary, balances: make(map[string]models.BalanceChecker)}
}

// Route makes checker answer balance queries for the given currency codes.
func (r *Router) Route(checker models.BalanceChecker, codes ...string) *Router {
	for _, code := range codes {
		r.balances[strings.ToUpper(code)] = checker
	}
	return r
}

func (r *Router) ProvisionAddress(ctx context.Context, account, currencyCode string, callback models.CallbackRef) (string, error) {
	return r.primary.ProvisionAddress(ctx, account, currencyCode, callback)
}

func (r *Router) GetBalance(ctx context.Context, account, address, currencyCode string) (*models.Balance, error) {
	if checker, ok := r.balances[strings.ToUpper(currencyCode)]; ok {
		return checker.GetBalance(ctx, account, address, currencyCode)
	}
	return r.primary.GetBalance(ctx, account, address, currencyCode)
}

func (r *Router) GetExchangeRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	return r.primary.GetExchangeRate(ctx, currencyCode)
}
