// Package market looks up display-only token data. It is best effort and
// never authoritative: any failure degrades to the documented placeholder
// set, and nothing here feeds trade validation.
package market

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/miintlabs/miintradar/internal/httpx"
	"github.com/miintlabs/miintradar/internal/model"
)

type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(httpClient *httpx.Client, baseURL string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
}

type pairsResponse struct {
	Pairs []struct {
		BaseToken struct {
			Name   string `json:"name"`
			Symbol string `json:"symbol"`
		} `json:"baseToken"`
		PriceUSD  string  `json:"priceUsd"`
		MarketCap float64 `json:"marketCap"`
		Liquidity struct {
			USD float64 `json:"usd"`
		} `json:"liquidity"`
		PriceChange struct {
			H24 float64 `json:"h24"`
		} `json:"priceChange"`
	} `json:"pairs"`
}

// Lookup fetches name/price/market-cap data for mint. On any transport or
// decode failure it returns the unknown placeholder instead of an error.
func (c *Client) Lookup(ctx context.Context, mint string) model.TokenInfo {
	endpoint := fmt.Sprintf("%s/latest/dex/tokens/%s", c.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.UnknownToken(mint)
	}

	var resp pairsResponse
	if _, err := c.http.DoJSON(ctx, req, &resp); err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("market data lookup failed")
		return model.UnknownToken(mint)
	}
	if len(resp.Pairs) == 0 {
		return model.UnknownToken(mint)
	}

	best := resp.Pairs[0]
	for _, p := range resp.Pairs[1:] {
		if p.Liquidity.USD > best.Liquidity.USD {
			best = p
		}
	}

	price, _ := strconv.ParseFloat(strings.TrimSpace(best.PriceUSD), 64)
	return model.TokenInfo{
		Mint:           mint,
		Name:           best.BaseToken.Name,
		Symbol:         best.BaseToken.Symbol,
		PriceUSD:       price,
		MarketCapUSD:   best.MarketCap,
		LiquidityUSD:   best.Liquidity.USD,
		PriceChange24h: best.PriceChange.H24,
	}
}
