// Package quote talks to the external quoting service. The service is a
// black box that lists known tokens and turns a swap request into an ordered
// batch of atomic transactions; this client adds transport retry and
// structural validation at ingress.
package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/emberfi/dca-engine/core"
	"github.com/emberfi/dca-engine/retry"
)

const (
	callAttempts = 3
	callBackoff  = 5 * time.Second

	defaultCallTimeout = 120 * time.Second
)

// caller is the JSON-RPC surface the client needs; satisfied by *rpc.Client.
type caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client wraps the quoting service endpoint.
type Client struct {
	rpc         caller
	callTimeout time.Duration
	logger      log.Logger
}

// Dial connects to the quoting service, bounding the initial connection by
// connTimeout.
func Dial(ctx context.Context, rawurl string, connTimeout, callTimeout time.Duration) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	rc, err := rpc.DialContext(dialCtx, rawurl)
	if err != nil {
		return nil, fmt.Errorf("dial quote service %s: %w", rawurl, err)
	}
	return NewClient(rc, callTimeout), nil
}

func NewClient(c caller, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	return &Client{rpc: c, callTimeout: callTimeout, logger: log.New("module", "quote")}
}

type tokenPayload struct {
	Symbol   string `json:"symbol"`
	ChainID  uint64 `json:"chainId"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Name     string `json:"name"`
}

type getTokensRequest struct {
	ChainIDs []uint64 `json:"chainIds"`
}

type getTokensResponse struct {
	Tokens []tokenPayload `json:"tokens"`
}

// GetTokens lists the service's known tokens on the given chains. Transport
// failures retry under the network policy; a structurally invalid response
// fails immediately.
func (c *Client) GetTokens(ctx context.Context, chainIDs []uint64) ([]core.TokenDescriptor, error) {
	resp, err := retry.Value(ctx, "getTokens", callAttempts, callBackoff, retry.Network, func() (getTokensResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var out getTokensResponse
		return out, c.rpc.CallContext(callCtx, &out, "getTokens", getTokensRequest{ChainIDs: chainIDs})
	})
	if err != nil {
		return nil, fmt.Errorf("getTokens: %w", err)
	}
	descriptors := make([]core.TokenDescriptor, 0, len(resp.Tokens))
	for _, t := range resp.Tokens {
		if t.Symbol == "" || !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("%w: malformed token entry %+v", core.ErrValidation, t)
		}
		descriptors = append(descriptors, core.TokenDescriptor{
			Symbol:   t.Symbol,
			ChainID:  t.ChainID,
			Address:  common.HexToAddress(t.Address),
			Decimals: t.Decimals,
			Name:     t.Name,
		})
	}
	return descriptors, nil
}

// TokenID names one token deployment in a swap request.
type TokenID struct {
	ChainID uint64 `json:"chainId"`
	Address string `json:"address"`
}

// SwapRequest asks the service to route Amount (atomic units) of BaseToken
// into QuoteToken, delivering to Recipient.
type SwapRequest struct {
	BaseToken         TokenID `json:"baseToken"`
	QuoteToken        TokenID `json:"quoteToken"`
	Amount            string  `json:"amount"`
	Recipient         string  `json:"recipient"`
	SlippageTolerance string  `json:"slippageTolerance"`
}

type swapEstimation struct {
	EffectivePrice string `json:"effectivePrice"`
}

type swapResponse struct {
	Transactions      []core.TransactionPlan `json:"transactions"`
	DisplayFromAmount string                 `json:"displayFromAmount"`
	DisplayToAmount   string                 `json:"displayToAmount"`
	Estimation        *swapEstimation        `json:"estimation"`
}

// CreateSwap requests a swap plan. An empty transaction list or a payload
// missing its structural contract surfaces as ErrQuoteUnavailable and is not
// retried past the transport retries.
func (c *Client) CreateSwap(ctx context.Context, req SwapRequest) (*core.SwapPlan, error) {
	resp, err := retry.Value(ctx, "createSwap", callAttempts, callBackoff, retry.Network, func() (swapResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
		var out swapResponse
		return out, c.rpc.CallContext(callCtx, &out, "createSwap", req)
	})
	if err != nil {
		return nil, fmt.Errorf("createSwap: %w", err)
	}
	if len(resp.Transactions) == 0 {
		return nil, fmt.Errorf("%w: service returned no transactions", core.ErrQuoteUnavailable)
	}
	for i, tx := range resp.Transactions {
		if !common.IsHexAddress(tx.To) {
			return nil, fmt.Errorf("%w: transaction %d has bad to address %q", core.ErrQuoteUnavailable, i, tx.To)
		}
		if tx.ChainID == 0 {
			return nil, fmt.Errorf("%w: transaction %d missing chain id", core.ErrQuoteUnavailable, i)
		}
	}
	plan := &core.SwapPlan{
		Transactions:      resp.Transactions,
		DisplayFromAmount: resp.DisplayFromAmount,
		DisplayToAmount:   resp.DisplayToAmount,
	}
	if resp.Estimation != nil {
		plan.EffectivePrice = resp.Estimation.EffectivePrice
	}
	return plan, nil
}
