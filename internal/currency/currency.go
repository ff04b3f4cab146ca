// Package currency is the static table of supported currencies and networks.
package currency

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-coin/solvo/internal/models"
)

// Currency describes a supported currency on a specific network.
type Currency struct {
	// Code is the currency/network code used across the engine (BTC, USDT_TRON, ...).
	Code string `json:"code"`
	// Ticker is the asset symbol rate sources quote (USDT for both USDT_TRON and USDT_ETH).
	Ticker string `json:"ticker"`
	// Symbol is the display symbol.
	Symbol string `json:"symbol"`
	// Name is the display name.
	Name string `json:"name"`
	// Network identifies the chain the deposit address lives on.
	Network string `json:"network"`
	// Decimals is the number of minor-unit digits.
	Decimals int32 `json:"decimals"`
}

var table = map[string]Currency{
	"BTC":       {Code: "BTC", Ticker: "BTC", Symbol: "₿", Name: "Bitcoin", Network: "bitcoin", Decimals: 8},
	"LTC":       {Code: "LTC", Ticker: "LTC", Symbol: "Ł", Name: "Litecoin", Network: "litecoin", Decimals: 8},
	"ETH":       {Code: "ETH", Ticker: "ETH", Symbol: "Ξ", Name: "Ethereum", Network: "ethereum", Decimals: 18},
	"XCB":       {Code: "XCB", Ticker: "XCB", Symbol: "₡", Name: "Core", Network: "xcb", Decimals: 18},
	"CTN":       {Code: "CTN", Ticker: "CTN", Symbol: "CTN", Name: "Core Token", Network: "xcb", Decimals: 18},
	"TRX":       {Code: "TRX", Ticker: "TRX", Symbol: "TRX", Name: "Tron", Network: "tron", Decimals: 6},
	"USDT_TRON": {Code: "USDT_TRON", Ticker: "USDT", Symbol: "USDT", Name: "Tether USD (TRC-20)", Network: "tron", Decimals: 6},
	"USDT_ETH":  {Code: "USDT_ETH", Ticker: "USDT", Symbol: "USDT", Name: "Tether USD (ERC-20)", Network: "ethereum", Decimals: 6},
	"USDC_ETH":  {Code: "USDC_ETH", Ticker: "USDC", Symbol: "USDC", Name: "USD Coin (ERC-20)", Network: "ethereum", Decimals: 6},
}

// Lookup returns the metadata for code. Codes are case insensitive.
func Lookup(code string) (Currency, error) {
	c, ok := table[strings.ToUpper(code)]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", models.ErrUnknownCurrency, code)
	}
	return c, nil
}

// Codes returns every supported code in sorted order.
func Codes() []string {
	codes := make([]string, 0, len(table))
	for code := range table {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Validate checks that every code is supported.
func Validate(codes []string) error {
	for _, code := range codes {
		if _, err := Lookup(code); err != nil {
			return err
		}
	}
	return nil
}
