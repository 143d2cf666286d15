// Package fetcher talks to the external price and chain data sources.
package fetcher

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when the provider answered without a price for the
// requested symbol.
var ErrNoPrice = errors.New("provider returned no price")

// PriceProvider retrieves the current USD price of a symbol.
type PriceProvider interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// GasReading is one gas price observation from the node.
type GasReading struct {
	PriceGwei   decimal.Decimal
	BlockNumber uint64
}

// GasProvider retrieves the suggested gas price from an Ethereum node.
type GasProvider interface {
	FetchGas(ctx context.Context) (GasReading, error)
}
