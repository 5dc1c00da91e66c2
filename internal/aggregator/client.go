// Package aggregator speaks the two-phase quote/swap protocol of the
// Jupiter-style swap aggregator: price a route, then materialize it as an
// unsigned transaction for a specific payer.
package aggregator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	boterr "github.com/miintlabs/miintradar/internal/errors"
	"github.com/miintlabs/miintradar/internal/httpx"
)

// WSOLMint is the wrapped-SOL mint the aggregator uses for the native side
// of a pair.
const WSOLMint = "So11111111111111111111111111111111111111112"

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, baseURL, apiKey string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
	}
}

// Quote is a priced, time-bounded route. Raw carries the aggregator's whole
// quote response; the swap leg requires it verbatim.
type Quote struct {
	InputMint  string
	OutputMint string
	InAmount   uint64
	OutAmount  uint64
	Route      string
	Raw        json.RawMessage
}

type quoteResponse struct {
	OutAmount string `json:"outAmount"`
	RoutePlan []struct {
		SwapInfo struct {
			Label string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (Quote, error) {
	vals := url.Values{}
	vals.Set("inputMint", inputMint)
	vals.Set("outputMint", outputMint)
	vals.Set("amount", strconv.FormatUint(amount, 10))
	vals.Set("slippageBps", strconv.Itoa(slippageBps))

	endpoint := fmt.Sprintf("%s/quote?%s", c.baseURL, vals.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, boterr.Wrap(boterr.KindInternal, "build quote request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	var raw json.RawMessage
	if _, err := c.http.DoJSON(ctx, req, &raw); err != nil {
		return Quote{}, err
	}
	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Quote{}, boterr.Wrap(boterr.KindTransport, "decode quote response", err)
	}
	if strings.TrimSpace(resp.OutAmount) == "" || len(resp.RoutePlan) == 0 {
		return Quote{}, boterr.Newf(boterr.KindNoQuote, "no route for %s -> %s", inputMint, outputMint)
	}
	outAmount, err := strconv.ParseUint(resp.OutAmount, 10, 64)
	if err != nil {
		return Quote{}, boterr.Wrap(boterr.KindNoQuote, "unparseable output amount", err)
	}

	return Quote{
		InputMint:  inputMint,
		OutputMint: outputMint,
		InAmount:   amount,
		OutAmount:  outAmount,
		Route:      routeLabel(resp),
		Raw:        raw,
	}, nil
}

type swapRequest struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	PrioritizationFeeLamports uint64          `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// BuildSwap asks the aggregator to materialize the quoted route as an
// unsigned transaction paid by payer, returning the raw transaction bytes.
// A stale route (liquidity moved, quote expired) yields NoSwapTransaction.
func (c *Client) BuildSwap(ctx context.Context, quote Quote, payer string, priorityFeeLamports uint64) ([]byte, error) {
	body := swapRequest{
		QuoteResponse:             quote.Raw,
		UserPublicKey:             payer,
		WrapAndUnwrapSol:          true,
		PrioritizationFeeLamports: priorityFeeLamports,
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["x-api-key"] = c.apiKey
	}

	var resp swapResponse
	if _, err := c.http.PostJSON(ctx, c.baseURL+"/swap", body, headers, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.SwapTransaction) == "" {
		return nil, boterr.New(boterr.KindNoSwapTransaction, "aggregator returned no swap transaction")
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SwapTransaction)
	if err != nil {
		return nil, boterr.Wrap(boterr.KindNoSwapTransaction, "decode swap transaction", err)
	}
	return raw, nil
}

func routeLabel(resp quoteResponse) string {
	parts := make([]string, 0, len(resp.RoutePlan))
	for _, hop := range resp.RoutePlan {
		label := strings.TrimSpace(hop.SwapInfo.Label)
		if label == "" {
			continue
		}
		if len(parts) == 0 || parts[len(parts)-1] != label {
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return "aggregator"
	}
	return strings.Join(parts, " > ")
}
