package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GatewayConfig configures the HTTP gateway client.
type GatewayConfig struct {
	// URL is the base URL of the wallet gateway.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 10s).
	Timeout time.Duration
}

// Gateway talks JSON to a headless wallet gateway.
//
// Endpoints:
//
//	POST /addresses               -> {"address"}
//	GET  /addresses/{a}/valid     -> {"valid"}
//	GET  /addresses/{a}/balance   -> {"amount"}
//	GET  /sync                    -> {"syncing"}
//	POST /compose   (Compose)     -> {"tx_id"}
//	POST /payments  (Send)        -> {"tx_id"}
//	POST /incoming  {"tx_ids"}    -> {"payments": [IncomingPayment]}
type Gateway struct {
	url        string
	httpClient *http.Client
}

var _ Client = (*Gateway)(nil)

// NewGateway returns a gateway client. Requests are traced with otelhttp.
func NewGateway(cfg GatewayConfig) *Gateway {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Gateway{url: cfg.URL, httpClient: hc}
}

// GatewayError is a non-2xx answer from the gateway.
type GatewayError struct {
	Status int
	Body   string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("ledger gateway failed (%d): %s", e.Status, e.Body)
}

func (g *Gateway) IssueReceivingAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := g.do(ctx, http.MethodPost, "/addresses", struct{}{}, &out); err != nil {
		return "", err
	}
	if out.Address == "" {
		return "", fmt.Errorf("ledger gateway returned empty address")
	}
	return out.Address, nil
}

func (g *Gateway) IsSyncing(ctx context.Context) (bool, error) {
	var out struct {
		Syncing bool `json:"syncing"`
	}
	err := g.do(ctx, http.MethodGet, "/sync", nil, &out)
	return out.Syncing, err
}

func (g *Gateway) ComposeAndBroadcast(ctx context.Context, c Compose) (string, error) {
	return g.txCall(ctx, "/compose", c)
}

func (g *Gateway) ReadBalance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Amount int64 `json:"amount"`
	}
	err := g.do(ctx, http.MethodGet, "/addresses/"+url.PathEscape(address)+"/balance", nil, &out)
	return out.Amount, err
}

func (g *Gateway) SendPayment(ctx context.Context, s Send) (string, error) {
	return g.txCall(ctx, "/payments", s)
}

func (g *Gateway) IncomingPayments(ctx context.Context, txIDs []string) ([]IncomingPayment, error) {
	var out struct {
		Payments []IncomingPayment `json:"payments"`
	}
	in := struct {
		TxIDs []string `json:"tx_ids"`
	}{txIDs}
	err := g.do(ctx, http.MethodPost, "/incoming", in, &out)
	return out.Payments, err
}

func (g *Gateway) IsValidAddress(ctx context.Context, address string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := g.do(ctx, http.MethodGet, "/addresses/"+url.PathEscape(address)+"/valid", nil, &out)
	return out.Valid, err
}

func (g *Gateway) txCall(ctx context.Context, path string, body any) (string, error) {
	var out struct {
		TxID string `json:"tx_id"`
	}
	if err := g.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	if out.TxID == "" {
		return "", fmt.Errorf("ledger gateway returned empty tx id")
	}
	return out.TxID, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.url+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GatewayError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
