package btcchain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arkade-os/custodyd/internal/core/ports"
	"github.com/arkade-os/custodyd/internal/infrastructure/chain"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// target in blocks used for fee estimation
	feeTargetBlocks = "2"
	minFeeRate      = 1.0
)

type esploraUtxo struct {
	Txid   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

type esploraTxStatus struct {
	Confirmed   bool  `json:"confirmed"`
	BlockHeight int64 `json:"block_height"`
}

type esploraOutspend struct {
	Spent  bool   `json:"spent"`
	Txid   string `json:"txid"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

type esplora struct {
	url        string
	httpClient *http.Client
}

func newEsplora(url string) *esplora {
	return &esplora{
		url:        strings.TrimSuffix(url, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// makeRequest handles HTTP requests to the esplora API and returns the body of 200
// responses.
func (e *esplora) makeRequest(
	ctx context.Context, method, endpoint string, body io.Reader,
) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, e.url+endpoint, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to make request: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf(
			"HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)),
		)
	}
	return bodyBytes, resp.StatusCode, nil
}

func (e *esplora) getUtxos(ctx context.Context, address string) ([]esploraUtxo, error) {
	data, _, err := e.makeRequest(ctx, http.MethodGet, fmt.Sprintf("/address/%s/utxo", address), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get utxos: %w", err)
	}
	var utxos []esploraUtxo
	if err := json.Unmarshal(data, &utxos); err != nil {
		return nil, fmt.Errorf("failed to unmarshal utxos: %w", err)
	}
	return utxos, nil
}

// broadcast posts the raw tx hex. A 400 is the node refusing the tx.
func (e *esplora) broadcast(ctx context.Context, txHex string) (string, error) {
	data, status, err := e.makeRequest(ctx, http.MethodPost, "/tx", strings.NewReader(txHex))
	if err != nil {
		if status == http.StatusBadRequest {
			return "", chain.RejectedError("%s", err)
		}
		return "", chain.ClassifySubmitError(err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (e *esplora) getTxStatus(ctx context.Context, txid string) (*esploraTxStatus, error) {
	data, status, err := e.makeRequest(ctx, http.MethodGet, fmt.Sprintf("/tx/%s/status", txid), nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, ports.ErrTxNotFound
		}
		return nil, fmt.Errorf("failed to get tx status: %w", err)
	}
	var txStatus esploraTxStatus
	if err := json.Unmarshal(data, &txStatus); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tx status: %w", err)
	}
	return &txStatus, nil
}

func (e *esplora) getOutspend(ctx context.Context, txid string, vout uint32) (*esploraOutspend, error) {
	data, _, err := e.makeRequest(
		ctx, http.MethodGet, fmt.Sprintf("/tx/%s/outspend/%d", txid, vout), nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get outspend: %w", err)
	}
	var outspend esploraOutspend
	if err := json.Unmarshal(data, &outspend); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outspend: %w", err)
	}
	return &outspend, nil
}

func (e *esplora) getTipHeight(ctx context.Context) (int64, error) {
	data, _, err := e.makeRequest(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get tip height: %w", err)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// getFeeRate returns the estimated fee rate, falling back to the relay floor when the
// indexer has no estimate.
func (e *esplora) getFeeRate(ctx context.Context) (chainfee.SatPerKVByte, error) {
	data, _, err := e.makeRequest(ctx, http.MethodGet, "/fee-estimates", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate fee rate: %w", err)
	}
	var estimates map[string]float64
	if err := json.Unmarshal(data, &estimates); err != nil {
		return 0, fmt.Errorf("failed to unmarshal fee estimates: %w", err)
	}

	rate, ok := estimates[feeTargetBlocks]
	if !ok || rate < minFeeRate {
		return chainfee.AbsoluteFeePerKwFloor.FeePerKVByte(), nil
	}
	// Convert sat/vB to sat/kvB
	return chainfee.SatPerKVByte(rate * 1000), nil
}
