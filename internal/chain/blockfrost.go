package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/meridian-labs/escrowd/internal/metrics"
)

// Client is a REST blockchain provider speaking the Blockfrost API dialect
// (project-id header auth, the same resource paths) extended with a
// transaction build endpoint. Inline datums are served in their Plutus JSON
// value form.
type Client struct {
	baseURL   string
	projectID string
	http      *http.Client
}

// NewClient creates a provider REST client.
func NewClient(baseURL, projectID string) *Client {
	return &Client{
		baseURL:   baseURL,
		projectID: projectID,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("chain: marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("chain: build %s request: %w", op, err)
	}
	if c.projectID != "" {
		req.Header.Set("project_id", c.projectID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "network_error").Inc()
		return &APIError{Op: op, Status: 0, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		metrics.ProviderRequestsTotal.WithLabelValues(op, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, Status: resp.StatusCode, Message: string(msg)}
	}

	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("chain: decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) AddressTransactions(ctx context.Context, address string, page, count int) ([]AddressTx, error) {
	var txs []AddressTx
	path := fmt.Sprintf("/addresses/%s/transactions?order=desc&page=%d&count=%d",
		url.PathEscape(address), page, count)
	if err := c.do(ctx, "address_transactions", http.MethodGet, path, nil, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) TransactionUTxOs(ctx context.Context, hash string) (*TxUTxOs, error) {
	var utxos TxUTxOs
	path := fmt.Sprintf("/txs/%s/utxos", url.PathEscape(hash))
	if err := c.do(ctx, "transaction_utxos", http.MethodGet, path, nil, &utxos); err != nil {
		return nil, err
	}
	return &utxos, nil
}

func (c *Client) TransactionRedeemers(ctx context.Context, hash string) ([]RedeemerWitness, error) {
	var redeemers []RedeemerWitness
	path := fmt.Sprintf("/txs/%s/redeemers", url.PathEscape(hash))
	if err := c.do(ctx, "transaction_redeemers", http.MethodGet, path, nil, &redeemers); err != nil {
		return nil, err
	}
	return redeemers, nil
}

func (c *Client) AddressUTxOs(ctx context.Context, address string) ([]UTxO, error) {
	var utxos []UTxO
	path := fmt.Sprintf("/addresses/%s/utxos", url.PathEscape(address))
	err := c.do(ctx, "address_utxos", http.MethodGet, path, nil, &utxos)
	if err != nil {
		// A 404 means the address has never been seen: no outputs, not a failure.
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return utxos, nil
}

func (c *Client) AssetAddresses(ctx context.Context, unit string) ([]AssetAddress, error) {
	var holders []AssetAddress
	path := fmt.Sprintf("/assets/%s/addresses", url.PathEscape(unit))
	err := c.do(ctx, "asset_addresses", http.MethodGet, path, nil, &holders)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return holders, nil
}

func (c *Client) LatestBlock(ctx context.Context) (*Block, error) {
	var block Block
	if err := c.do(ctx, "latest_block", http.MethodGet, "/blocks/latest", nil, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

func (c *Client) BuildTx(ctx context.Context, req BuildRequest) (*UnsignedTx, error) {
	var tx UnsignedTx
	if err := c.do(ctx, "build_tx", http.MethodPost, "/utils/txs/build", req, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

func (c *Client) EvaluateTx(ctx context.Context, bodyHex string) (ExUnits, error) {
	var units ExUnits
	req := map[string]string{"cbor": bodyHex}
	if err := c.do(ctx, "evaluate_tx", http.MethodPost, "/utils/txs/evaluate", req, &units); err != nil {
		return ExUnits{}, err
	}
	return units, nil
}

func (c *Client) SubmitTx(ctx context.Context, tx SignedTx) (string, error) {
	var hash string
	if err := c.do(ctx, "submit_tx", http.MethodPost, "/tx/submit", tx, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Compile-time assertion that Client implements Provider.
var _ Provider = (*Client)(nil)
