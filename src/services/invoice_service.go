package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/username/ionbridge/src/logger"
)

type httpInvoiceClient struct {
	baseURL    string
	httpClient http.Client
}

// NewHTTPInvoiceClient creates the invoicing collaborator client. The
// collaborator is expected to deduplicate by order_id, so dispatching the
// same order twice must not create a second invoice.
func NewHTTPInvoiceClient(baseURL string, timeout time.Duration) InvoiceClient {
	return &httpInvoiceClient{
		baseURL: baseURL,
		httpClient: http.Client{
			Timeout: timeout,
		},
	}
}

func (c *httpInvoiceClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error encoding invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("invoicing collaborator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("invoicing collaborator returned HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var invoice InvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("error decoding invoice response: %w", err)
	}
	if invoice.InvoiceID == "" {
		return nil, fmt.Errorf("invoicing collaborator returned empty invoice_id for order %s", req.OrderID)
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}

	logger.L.Debug("Invoice created", "orderID", req.OrderID, "invoiceID", invoice.InvoiceID, "status", invoice.Status)
	return &invoice, nil
}
