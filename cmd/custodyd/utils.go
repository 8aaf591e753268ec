package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

type balance struct {
	UserID    string `json:"userId"`
	Asset     string `json:"asset"`
	Available string `json:"available"`
	Locked    string `json:"locked"`
	Total     string `json:"total"`
}

func (b balance) String() string {
	return fmt.Sprintf(
		"%s balance of %s\n   available: %s\n   locked: %s\n   total: %s",
		b.Asset, b.UserID, b.Available, b.Locked, b.Total,
	)
}

type release struct {
	TradeID    string `json:"tradeId"`
	Chain      string `json:"chain"`
	Asset      string `json:"asset"`
	Recipient  string `json:"recipient"`
	Fee        string `json:"fee"`
	State      string `json:"state"`
	Txid       string `json:"txid,omitempty"`
	FailReason string `json:"failReason,omitempty"`
	UpdatedAt  int64  `json:"updatedAt"`
}

type withdrawal struct {
	ID                 string `json:"id"`
	UserID             string `json:"userId"`
	AssetSymbol        string `json:"assetSymbol"`
	Chain              string `json:"chain"`
	Amount             string `json:"amount"`
	Fee                string `json:"fee"`
	Total              string `json:"total"`
	DestinationAddress string `json:"destinationAddress"`
	State              string `json:"state"`
	TxHash             string `json:"txHash,omitempty"`
	FailReason         string `json:"failReason,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
}

func post[T any](url, body, key string, tlsConfig *tls.Config) (result T, err error) {
	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Add("Content-Type", "application/json")
	return do[T](req, key, tlsConfig)
}

func get[T any](url, key string, tlsConfig *tls.Config) (result T, err error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return
	}
	req.Header.Add("Content-Type", "application/json")
	return do[T](req, key, tlsConfig)
}

// getAs is get on behalf of userID, sent in the caller header when set.
func getAs[T any](url, key, header, userID string, tlsConfig *tls.Config) (result T, err error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return
	}
	req.Header.Add("Content-Type", "application/json")
	if header != "" {
		req.Header.Add(header, userID)
	}
	return do[T](req, key, tlsConfig)
}

func do[T any](req *http.Request, key string, tlsConfig *tls.Config) (result T, err error) {
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: tlsConfig,
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	// nolint
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(buf))
		return
	}

	if key == "" {
		err = json.Unmarshal(buf, &result)
		return
	}
	res := make(map[string]T)
	if err = json.Unmarshal(buf, &res); err != nil {
		return
	}

	result = res[key]
	return
}

func getTLSConfigFromFlags(ctx *cli.Context) (*tls.Config, error) {
	path := ctx.String(tlsCertFlagName)
	if path == "" {
		return nil, nil
	}
	return getTLSConfig(path)
}

func getTLSConfig(path string) (*tls.Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(buf); !ok {
		return nil, fmt.Errorf("failed to parse tls cert")
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    caCertPool,
	}, nil
}
