package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the chain node's REST endpoint.
type Client struct {
	endpoint string
	denom    string
	http     *http.Client
}

// NewClient builds a REST gateway client for the given node endpoint.
func NewClient(endpoint, denom string) *Client {
	return &Client{
		endpoint: endpoint,
		denom:    denom,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain gateway: GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SearchTransfers returns confirmed transfers to toAddress above sinceHeight.
func (c *Client) SearchTransfers(ctx context.Context, toAddress string, sinceHeight int64) ([]TxInfo, error) {
	path := fmt.Sprintf("/txs?recipient=%s&min_height=%d", url.QueryEscape(toAddress), sinceHeight+1)
	var out struct {
		Txs []TxInfo `json:"txs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Txs, nil
}

// GetTransferByHash fetches a single transaction; a nil result with no error
// means the transaction is not (yet) confirmed.
func (c *Client) GetTransferByHash(ctx context.Context, txID string) (*TxInfo, error) {
	var tx TxInfo
	err := c.getJSON(ctx, "/txs/"+url.PathEscape(txID), &tx)
	if err != nil {
		return nil, err
	}
	if tx.TxID == "" {
		return nil, nil
	}
	return &tx, nil
}

// GetBalance returns the spendable base-unit balance of address.
func (c *Client) GetBalance(ctx context.Context, address string) (int64, error) {
	path := fmt.Sprintf("/bank/balances/%s?denom=%s", url.PathEscape(address), url.QueryEscape(c.denom))
	var out struct {
		Amount int64 `json:"amount"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Amount, nil
}

// BroadcastTransfer asks the node to sign with the named key and broadcast.
func (c *Client) BroadcastTransfer(ctx context.Context, signer, toAddress string, amount int64, memo string) (*BroadcastResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"signer": signer,
		"to":     toAddress,
		"amount": amount,
		"denom":  c.denom,
		"memo":   memo,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/txs/transfer", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chain gateway: broadcast: status %d", resp.StatusCode)
	}
	var res BroadcastResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}
