package trxchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const apiKeyHeader = "TRON-PRO-API-KEY"

// transaction is the node's JSON form of a tx, kept as raw json so the signed copy
// broadcasts exactly what the node built.
type transaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Visible    bool            `json:"visible"`
	Signature  []string        `json:"signature,omitempty"`
}

type apiError struct {
	Error string `json:"Error"`
}

type triggerResponse struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	Transaction *transaction `json:"transaction"`
}

type broadcastResponse struct {
	Result  bool   `json:"result"`
	Code    string `json:"code"`
	TxID    string `json:"txid"`
	Message string `json:"message"`
}

type transactionInfo struct {
	ID          string `json:"id"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"`
	Receipt     struct {
		Result string `json:"result"`
	} `json:"receipt"`
}

type chainParameters struct {
	ChainParameter []struct {
		Key   string `json:"key"`
		Value int64  `json:"value"`
	} `json:"chainParameter"`
}

type block struct {
	BlockHeader struct {
		RawData struct {
			Number int64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}

type trongrid struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

func newTrongrid(url, apiKey string) *trongrid {
	return &trongrid{
		url:        strings.TrimSuffix(url, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// makeRequest posts a JSON body to the full node HTTP API and decodes the response
// into out.
func (t *trongrid) makeRequest(
	ctx context.Context, endpoint string, body interface{}, out interface{},
) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set(apiKeyHeader, t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s", apiErr.Error)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (t *trongrid) createTransaction(
	ctx context.Context, from, to string, amount int64,
) (*transaction, error) {
	var tx transaction
	if err := t.makeRequest(ctx, "/wallet/createtransaction", map[string]interface{}{
		"owner_address": from,
		"to_address":    to,
		"amount":        amount,
		"visible":       true,
	}, &tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	if tx.TxID == "" {
		return nil, fmt.Errorf("failed to create transaction: empty response")
	}
	return &tx, nil
}

func (t *trongrid) triggerSmartContract(
	ctx context.Context, from, contract, selector, parameter string, feeLimit int64,
) (*transaction, error) {
	var resp triggerResponse
	if err := t.makeRequest(ctx, "/wallet/triggersmartcontract", map[string]interface{}{
		"owner_address":     from,
		"contract_address":  contract,
		"function_selector": selector,
		"parameter":         parameter,
		"fee_limit":         feeLimit,
		"call_value":        0,
		"visible":           true,
	}, &resp); err != nil {
		return nil, fmt.Errorf("failed to trigger contract: %w", err)
	}
	if !resp.Result.Result || resp.Transaction == nil {
		return nil, fmt.Errorf(
			"failed to trigger contract: %s %s", resp.Result.Code, decodeMessage(resp.Result.Message),
		)
	}
	return resp.Transaction, nil
}

func (t *trongrid) broadcastTransaction(
	ctx context.Context, tx json.RawMessage,
) (*broadcastResponse, error) {
	var resp broadcastResponse
	if err := t.makeRequest(ctx, "/wallet/broadcasttransaction", tx, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// getTransactionInfo returns nil when the tx is not in a block yet.
func (t *trongrid) getTransactionInfo(ctx context.Context, txid string) (*transactionInfo, error) {
	var info transactionInfo
	if err := t.makeRequest(ctx, "/wallet/gettransactioninfobyid", map[string]string{
		"value": txid,
	}, &info); err != nil {
		return nil, fmt.Errorf("failed to get transaction info: %w", err)
	}
	if info.ID == "" {
		return nil, nil
	}
	return &info, nil
}

// getTransaction returns nil when the node doesn't know the tx.
func (t *trongrid) getTransaction(ctx context.Context, txid string) (*transaction, error) {
	var tx transaction
	if err := t.makeRequest(ctx, "/wallet/gettransactionbyid", map[string]string{
		"value": txid,
	}, &tx); err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx.TxID == "" {
		return nil, nil
	}
	return &tx, nil
}

func (t *trongrid) getNowBlock(ctx context.Context) (int64, error) {
	var b block
	if err := t.makeRequest(ctx, "/wallet/getnowblock", nil, &b); err != nil {
		return 0, fmt.Errorf("failed to get current block: %w", err)
	}
	return b.BlockHeader.RawData.Number, nil
}

func (t *trongrid) getChainParameter(ctx context.Context, key string) (int64, error) {
	var params chainParameters
	if err := t.makeRequest(ctx, "/wallet/getchainparameters", nil, &params); err != nil {
		return 0, fmt.Errorf("failed to get chain parameters: %w", err)
	}
	for _, p := range params.ChainParameter {
		if p.Key == key {
			return p.Value, nil
		}
	}
	return 0, fmt.Errorf("chain parameter %s not found", key)
}

// decodeMessage returns the node's hex encoded error messages in plain text.
func decodeMessage(msg string) string {
	buf, err := hex.DecodeString(msg)
	if err != nil {
		return msg
	}
	return string(buf)
}
