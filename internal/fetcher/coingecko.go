package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chainwatch/internal/apperr"
)

const coinGeckoPricePath = "/simple/price"

// DefaultCoinIDs maps ticker-style symbols onto CoinGecko coin ids. Symbols
// not listed are sent as-is.
func DefaultCoinIDs() map[string]string {
	return map[string]string{
		"usdt": "tether",
		"usdc": "usd-coin",
		"btc":  "bitcoin",
		"eth":  "ethereum",
	}
}

// CoinGeckoOptions parameterise the CoinGecko fetcher.
type CoinGeckoOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	CoinIDs   map[string]string
}

// CoinGecko fetches spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	opts    CoinGeckoOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewCoinGecko constructs a CoinGecko price provider.
func NewCoinGecko(opts CoinGeckoOptions, logger zerolog.Logger) *CoinGecko {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	if opts.CoinIDs == nil {
		opts.CoinIDs = DefaultCoinIDs()
	}

	return &CoinGecko{
		opts:    opts,
		logger:  logger.With().Str("component", "coingecko_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// CoinID resolves the provider id for symbol.
func (c *CoinGecko) CoinID(symbol string) string {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	if id, ok := c.opts.CoinIDs[symbol]; ok {
		return id
	}
	return symbol
}

// FetchPrice retrieves the USD spot price of symbol.
func (c *CoinGecko) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	id := c.CoinID(symbol)
	if id == "" {
		return decimal.Decimal{}, apperr.Validation("symbol is required")
	}

	query := url.Values{}
	query.Set("ids", id)
	query.Set("vs_currencies", "usd")
	endpoint := c.baseURL + coinGeckoPricePath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "chainwatch/1.0")
	}
	if c.opts.APIKey != "" {
		req.Header.Set("X-CG-API-KEY", c.opts.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, apperr.Upstream("coingecko request failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, apperr.Upstream("read coingecko response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, apperr.Upstream("coingecko rejected request", parseHTTPError(resp.StatusCode, payload))
	}

	// Prices are decoded through json.Number so decimals keep every digit.
	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode coingecko response: %w", err)
	}
	raw, ok := body[id]["usd"]
	if !ok || raw == "" {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", id, ErrNoPrice)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%s: non-positive price %s: %w", id, price, ErrNoPrice)
	}

	c.logger.Debug().Str("symbol", symbol).Str("price", price.String()).Msg("fetched price")
	return price, nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("coingecko api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("coingecko api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("coingecko api error (%d)", status)
}

var _ PriceProvider = (*CoinGecko)(nil)
