package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainwatch/internal/apperr"
)

// GasOracleOptions parameterise the node gas fetcher.
type GasOracleOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// GasOracle reads the suggested gas price via Ethereum JSON-RPC.
type GasOracle struct {
	opts      GasOracleOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewGasOracle builds a gas price fetcher. The RPC connection is dialled on
// first use.
func NewGasOracle(opts GasOracleOptions, logger zerolog.Logger) *GasOracle {
	return &GasOracle{opts: opts, logger: logger.With().Str("component", "gas_oracle").Logger()}
}

// FetchGas returns the node's suggested gas price in gwei together with the
// latest block number.
func (g *GasOracle) FetchGas(ctx context.Context) (GasReading, error) {
	if g.opts.RPCURL == "" {
		return GasReading{}, errors.New("ethereum rpc url not configured")
	}

	timeout := g.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := g.getClient(ctx)
	if err != nil {
		return GasReading{}, apperr.Upstream("dial ethereum rpc", err)
	}

	wei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return GasReading{}, apperr.Upstream("suggest gas price", err)
	}
	block, err := client.BlockNumber(ctx)
	if err != nil {
		return GasReading{}, apperr.Upstream("block number", err)
	}

	return GasReading{
		PriceGwei:   decimal.NewFromBigInt(wei, -9),
		BlockNumber: block,
	}, nil
}

func (g *GasOracle) getClient(ctx context.Context) (*ethclient.Client, error) {
	g.clientMux.Lock()
	defer g.clientMux.Unlock()

	if g.client != nil {
		return g.client, nil
	}

	client, err := ethclient.DialContext(ctx, g.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	g.client = client
	return client, nil
}

// Close releases the RPC connection.
func (g *GasOracle) Close() {
	g.clientMux.Lock()
	defer g.clientMux.Unlock()
	if g.client != nil {
		g.client.Close()
		g.client = nil
	}
}

var _ GasProvider = (*GasOracle)(nil)
