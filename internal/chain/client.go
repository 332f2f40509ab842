// Package chain implements the JSON-RPC client for the prediction-market
// program gateway: account fetches, reveal computations, and payer utilities.
package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/arxpredict/marketmirror/internal/domain"
)

// Client is the JSON-RPC client for the program gateway. It implements both
// domain.ChainReader and domain.RevealSubmitter.
type Client struct {
	endpoint   string
	programID  string
	signer     ed25519.PrivateKey
	httpClient *http.Client
	reqID      atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSigner configures the ed25519 payer key used to sign mutating calls.
// Read-only calls work without one.
func WithSigner(key ed25519.PrivateKey) Option {
	return func(c *Client) { c.signer = key }
}

// NewClient creates a gateway client.
//
// endpoint is the JSON-RPC root, e.g. "https://gateway.arxpredict.io/rpc".
// programID identifies the on-chain program whose accounts are queried.
func NewClient(endpoint, programID string, opts ...Option) *Client {
	c := &Client{
		endpoint:  endpoint,
		programID: programID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// marketAccount is the wire shape of a market account. Chain-native u64
// fields arrive as decimal strings and are range-checked during conversion.
type marketAccount struct {
	ID            uint32    `json:"id"`
	Authority     string    `json:"authority"`
	Question      string    `json:"question"`
	Options       []string  `json:"options"`
	Probs         []float64 `json:"probs"`
	Votes         []string  `json:"votes"`
	Liquidity     string    `json:"liquidityParameter"`
	Mint          string    `json:"mint"`
	TVL           string    `json:"tvl"`
	Status        uint8     `json:"status"`
	WinningOption *int      `json:"winningOption"`
	NumBuyEvents  string    `json:"numBuyEvents"`
	NumSellEvents string    `json:"numSellEvents"`
	UpdatedAt     int64     `json:"updatedAt"`
}

// FetchMarket retrieves the canonical on-chain snapshot of a market.
func (c *Client) FetchMarket(ctx context.Context, marketID uint32) (domain.MarketSnapshot, error) {
	params := map[string]any{
		"program": c.programID,
		"market":  marketID,
	}

	var acct marketAccount
	if err := c.call(ctx, "arx_getMarketAccount", params, &acct); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("chain: fetch market %d: %w", marketID, err)
	}

	return snapshotFromAccount(acct)
}

// snapshotFromAccount converts wire decimal strings into a typed snapshot.
func snapshotFromAccount(acct marketAccount) (domain.MarketSnapshot, error) {
	status := domain.MarketStatusFromChain(acct.Status)

	votes := make([]int64, len(acct.Votes))
	for i, v := range acct.Votes {
		n, err := parseChainInt(v, "votes")
		if err != nil {
			return domain.MarketSnapshot{}, err
		}
		votes[i] = n
	}

	liquidity, err := parseChainInt(acct.Liquidity, "liquidityParameter")
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	tvl, err := parseChainInt(acct.TVL, "tvl")
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	numBuys, err := parseChainInt(acct.NumBuyEvents, "numBuyEvents")
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	numSells, err := parseChainInt(acct.NumSellEvents, "numSellEvents")
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	return domain.MarketSnapshot{
		MarketID:           acct.ID,
		Authority:          acct.Authority,
		Question:           acct.Question,
		Options:            acct.Options,
		Probs:              acct.Probs,
		Votes:              votes,
		LiquidityParameter: liquidity,
		Mint:               acct.Mint,
		TVL:                tvl,
		Status:             status,
		WinningOption:      acct.WinningOption,
		NumBuyEvents:       numBuys,
		NumSellEvents:      numSells,
		MarketUpdatedAt:    acct.UpdatedAt,
	}, nil
}

// parseChainInt converts a chain-native decimal string into an int64. Values
// beyond int64 range fail loudly rather than truncating.
func parseChainInt(s, field string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", domain.ErrValueOutOfRange, field, s)
	}
	return n, nil
}

// RequestAirdrop asks the gateway to top up the payer account on networks
// that support faucet drops.
func (c *Client) RequestAirdrop(ctx context.Context, pubkey string, lamports int64) (string, error) {
	var sig string
	params := map[string]any{"pubkey": pubkey, "lamports": lamports}
	if err := c.call(ctx, "arx_requestAirdrop", params, &sig); err != nil {
		return "", fmt.Errorf("chain: request airdrop: %w", err)
	}
	return sig, nil
}

// PayerBalance returns the payer account balance in lamports.
func (c *Client) PayerBalance(ctx context.Context) (int64, error) {
	var raw string
	params := map[string]any{"pubkey": c.PayerPubkey()}
	if err := c.call(ctx, "arx_getBalance", params, &raw); err != nil {
		return 0, fmt.Errorf("chain: get balance: %w", err)
	}
	return parseChainInt(raw, "balance")
}

// PayerPubkey returns the hex-encoded public key of the configured signer, or
// empty when the client is read-only.
func (c *Client) PayerPubkey() string {
	if c.signer == nil {
		return ""
	}
	return hex.EncodeToString(c.signer.Public().(ed25519.PublicKey))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// rpcNotFoundCode is the gateway's code for a missing account.
const rpcNotFoundCode = -32004

// call builds, signs, sends, and decodes one JSON-RPC request.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.signRequest(req, body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == rpcNotFoundCode {
			return domain.ErrNotFound
		}
		return rpcResp.Error
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// signRequest adds payer authentication headers. The gateway verifies the
// ed25519 signature over the raw request body.
func (c *Client) signRequest(req *http.Request, body []byte) {
	if c.signer == nil {
		return
	}
	sig := ed25519.Sign(c.signer, body)
	req.Header.Set("X-Payer-Pubkey", c.PayerPubkey())
	req.Header.Set("X-Payer-Signature", base64.StdEncoding.EncodeToString(sig))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
