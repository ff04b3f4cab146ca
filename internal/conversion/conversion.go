// Package conversion turns fiat prices into crypto minor-unit amounts.
package conversion

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/shopspring/decimal"

	"github.com/core-coin/solvo/internal/currency"
	"github.com/core-coin/solvo/internal/models"
	"github.com/core-coin/solvo/pkg/logger"
)

// Quote is the outcome of a single conversion. MinorUnits is what the user must send.
type Quote struct {
	Currency   currency.Currency
	Rate       decimal.Decimal
	MinorUnits *big.Int
}

// Service converts fiat amounts using a RateSource.
type Service struct {
	logger *logger.Logger
	source models.RateSource
	// cache holds recently fetched rates; nil disables caching.
	cache *bigcache.BigCache
}

// NewService creates a conversion service. A zero cacheTTL disables the rate cache.
func NewService(source models.RateSource, cacheTTL time.Duration, logger *logger.Logger) (*Service, error) {
	s := &Service{logger: logger, source: source}
	if cacheTTL <= 0 {
		return s, nil
	}

	cfg := bigcache.DefaultConfig(cacheTTL)
	cfg.CleanWindow = cacheTTL
	cfg.MaxEntrySize = 64
	cfg.Shards = 16
	cfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Convert fetches the rate for code and returns ceil(fiat / rate * 10^decimals).
func (s *Service) Convert(ctx context.Context, fiat decimal.Decimal, code string) (*Quote, error) {
	cur, err := currency.Lookup(code)
	if err != nil {
		return nil, err
	}
	if !fiat.IsPositive() {
		return nil, fmt.Errorf("%w: fiat amount must be positive, got %s", models.ErrConversionFailure, fiat)
	}

	rate, err := s.rate(ctx, cur.Code)
	if err != nil {
		return nil, err
	}

	minor, err := ToMinorUnits(fiat, rate, cur.Decimals)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Converted fiat amount", "fiat", fiat.String(), "currency", cur.Code, "rate", rate.String(), "minor_units", minor.String())
	return &Quote{Currency: cur, Rate: rate, MinorUnits: minor}, nil
}

// Close releases the rate cache.
func (s *Service) Close() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Close()
}

func (s *Service) rate(ctx context.Context, code string) (decimal.Decimal, error) {
	key := strings.ToUpper(code)
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil {
			if rate, err := decimal.NewFromString(string(raw)); err == nil {
				return rate, nil
			}
		} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
			s.logger.Warn("Rate cache read failed", "currency", key, "error", err)
		}
	}

	rate, err := s.source.GetExchangeRate(ctx, key)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate for %s: %v", models.ErrConversionFailure, key, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate for %s must be positive, got %s", models.ErrConversionFailure, key, rate)
	}

	if s.cache != nil {
		if err := s.cache.Set(key, []byte(rate.String())); err != nil {
			s.logger.Warn("Rate cache write failed", "currency", key, "error", err)
		}
	}
	return rate, nil
}

// ToMinorUnits returns ceil(fiat * 10^decimals / rate) using exact integer arithmetic.
func ToMinorUnits(fiat, rate decimal.Decimal, decimals int32) (*big.Int, error) {
	if !fiat.IsPositive() || !rate.IsPositive() {
		return nil, fmt.Errorf("%w: fiat %s and rate %s must be positive", models.ErrConversionFailure, fiat, rate)
	}

	numerator := fiat.Shift(decimals)

	// Bring both operands to integers with a common scale.
	scale := int32(0)
	if e := -numerator.Exponent(); e > scale {
		scale = e
	}
	if e := -rate.Exponent(); e > scale {
		scale = e
	}
	n := numerator.Shift(scale).BigInt()
	d := rate.Shift(scale).BigInt()

	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q, nil
}
