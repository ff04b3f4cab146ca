package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/core-coin/go-core/v2/accounts/abi"
	"github.com/core-coin/go-core/v2/accounts/abi/bind"
	"github.com/core-coin/go-core/v2/common"
	"github.com/core-coin/go-core/v2/xcbclient"

	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
	"github.com/core-coin/solvo/pkg/validation"
)

// Gocore reads XCB and CTN balances straight from a Core node.
type Gocore struct {
	logger          *logger.Logger
	apiURL          string
	contractAddress string

	mu          sync.RWMutex
	client      *xcbclient.Client
	ctnContract *bind.BoundContract
}

// NewGocore creates a new Gocore instance.
func NewGocore(apiURL, contractAddress string, logger *logger.Logger) *Gocore {
	return &Gocore{apiURL: apiURL, contractAddress: contractAddress, logger: logger}
}

func (g *Gocore) Run() error {
	err := g.ConnectToRPC()
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	if g.contractAddress == "" {
		g.logger.Warn("CTN contract address not set, CTN balances unavailable")
		return nil
	}
	err = g.BuildBindings()
	if err != nil {
		return fmt.Errorf("failed to build bindings: %w", err)
	}
	return nil
}

func (g *Gocore) ConnectToRPC() error {
	client, err := xcbclient.Dial(g.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the core RPC server: %w", err)
	}
	g.mu.Lock()
	g.client = client
	g.mu.Unlock()
	return nil
}

func (g *Gocore) BuildBindings() error {
	ctnAddress, err := common.HexToAddress(g.contractAddress)
	if err != nil {
		return fmt.Errorf("failed to parse Core Token contract address: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(CTNABI))
	if err != nil {
		return fmt.Errorf("failed to parse Core Token ABI: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.ctnContract = bind.NewBoundContract(ctnAddress, parsedABI, g.client, g.client, g.client)
	return nil
}

func (g *Gocore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
	g.ctnContract = nil
	return nil
}

// GetBalance implements models.BalanceChecker for XCB and CTN. Available is the
// balance at the latest block; Total also counts the pending state.
func (g *Gocore) GetBalance(ctx context.Context, _ string, address, currencyCode string) (*models.Balance, error) {
	if err := validation.ValidateCoreAddress(address); err != nil {
		return nil, err
	}
	wallet, err := common.HexToAddress(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address: %w", err)
	}

	switch strings.ToUpper(currencyCode) {
	case "XCB":
		return g.xcbBalance(ctx, wallet)
	case "CTN":
		return g.ctnBalance(ctx, wallet)
	}
	return nil, fmt.Errorf("%w: %s is not a Core currency", models.ErrUnknownCurrency, currencyCode)
}

func (g *Gocore) xcbBalance(ctx context.Context, wallet common.Address) (*models.Balance, error) {
	g.mu.RLock()
	client := g.client
	g.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("core RPC client not connected")
	}

	available, err := client.BalanceAt(ctx, wallet, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	total, err := client.PendingBalanceAt(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending balance: %w", err)
	}
	return normalizeBalance(available, total), nil
}

func (g *Gocore) ctnBalance(ctx context.Context, wallet common.Address) (*models.Balance, error) {
	g.mu.RLock()
	contract := g.ctnContract
	g.mu.RUnlock()
	if contract == nil {
		return nil, fmt.Errorf("core token bindings not built")
	}

	available, err := g.callBalanceOf(contract, &bind.CallOpts{Context: ctx}, wallet)
	if err != nil {
		return nil, err
	}
	total, err := g.callBalanceOf(contract, &bind.CallOpts{Context: ctx, Pending: true}, wallet)
	if err != nil {
		return nil, err
	}
	return normalizeBalance(available, total), nil
}

func (g *Gocore) callBalanceOf(contract *bind.BoundContract, opts *bind.CallOpts, wallet common.Address) (*big.Int, error) {
	results := []interface{}{}
	err := contract.Call(opts, &results, "balanceOf", wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("balanceOf returned no values")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

func normalizeBalance(available, total *big.Int) *models.Balance {
	if total == nil || total.Cmp(available) < 0 {
		total = new(big.Int).Set(available)
	}
	return &models.Balance{Available: available, Total: total}
}
