// Package gateway talks to the external crypto payment gateway and to
// on-chain balance sources.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/core-coin/solvo/internal/currency"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

const (
	// RequestTimeout bounds every call to the gateway.
	RequestTimeout = 30 * time.Second
	apiKeyHeader   = "x-api-key"
)

// ProvisionRequest is the body sent when minting an address.
type ProvisionRequest struct {
	Currency    string             `json:"currency"`
	CallbackURL string             `json:"callbackUrl,omitempty"`
	Callback    models.CallbackRef `json:"callback"`
}

// ProvisionResponse is the gateway's answer to a provisioning request.
type ProvisionResponse struct {
	Address string `json:"address"`
}

// BalanceResponse holds balances in whole coin units as decimal strings.
type BalanceResponse struct {
	AvailableBalance string `json:"availableBalance"`
	AccountBalance   string `json:"accountBalance"`
}

// RateResponse is the exchange rate of one coin in the base fiat currency.
type RateResponse struct {
	ID       string `json:"id"`
	Value    string `json:"value"`
	BasePair string `json:"basePair"`
}

// Client is an HTTP client for the payment gateway.
type Client struct {
	logger      *logger.Logger
	baseURL     string
	apiKey      string
	fiat        string
	callbackURL string
	client      *http.Client
}

// NewClient creates a new gateway Client.
func NewClient(baseURL, apiKey, fiat, callbackURL string, logger *logger.Logger) *Client {
	return &Client{
		logger:      logger,
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		fiat:        strings.ToUpper(fiat),
		callbackURL: callbackURL,
		client: &http.Client{
			Timeout: RequestTimeout,
		},
	}
}

// ProvisionAddress asks the gateway for a fresh deposit address.
func (c *Client) ProvisionAddress(ctx context.Context, account, currencyCode string, callback models.CallbackRef) (string, error) {
	body := ProvisionRequest{
		Currency:    currencyCode,
		CallbackURL: c.callbackURL,
		Callback:    callback,
	}
	endpoint := fmt.Sprintf("%s/v3/offchain/account/%s/address", c.baseURL, url.PathEscape(account))

	var resp ProvisionResponse
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", fmt.Errorf("failed to provision address: %w", err)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("gateway returned an empty address")
	}

	c.logger.Debug("Address provisioned", "payment_id", callback.PaymentID, "currency", currencyCode)
	return resp.Address, nil
}

// GetBalance returns the received balance on address in minor units.
func (c *Client) GetBalance(ctx context.Context, account, address, currencyCode string) (*models.Balance, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v3/offchain/account/%s/address/%s/balance?currency=%s",
		c.baseURL, url.PathEscape(account), url.PathEscape(address), url.QueryEscape(cur.Code))

	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	available, err := toMinorUnits(resp.AvailableBalance, cur.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid available balance: %w", err)
	}
	total, err := toMinorUnits(resp.AccountBalance, cur.Decimals)
	if err != nil {
		return nil, fmt.Errorf("invalid account balance: %w", err)
	}
	if total.Cmp(available) < 0 {
		total = new(big.Int).Set(available)
	}

	return &models.Balance{Available: available, Total: total}, nil
}

// GetExchangeRate returns the fiat price of one coin.
func (c *Client) GetExchangeRate(ctx context.Context, currencyCode string) (decimal.Decimal, error) {
	cur, err := currency.Lookup(currencyCode)
	if err != nil {
		return decimal.Zero, err
	}

	endpoint := fmt.Sprintf("%s/v3/tatum/rate/%s?basePair=%s", c.baseURL, url.PathEscape(cur.Ticker), url.QueryEscape(c.fiat))

	var resp RateResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to get exchange rate: %w", err)
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(resp.Value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("non-numeric exchange rate %q: %w", resp.Value, err)
	}
	return rate, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// toMinorUnits converts a coin amount string into minor units, dropping any
// digits below the currency precision.
func toMinorUnits(amount string, decimals int32) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return big.NewInt(0), nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	return d.Shift(decimals).BigInt(), nil
}
