package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/ionbridge/src/models"
)

// IngestResult is what OrderService.IngestOrder hands back to the transport
// layer. Duplicate is set when the document hit an existing order; the
// returned order is then the stored row, unchanged except for the duplicate
// route marker on the in-memory copy.
type IngestResult struct {
	Order     *models.SalesOrder
	Duplicate bool
}

// OrderService is the core pipeline: ingest, FX conversion, invoice dispatch,
// caller-driven retry.
type OrderService interface {
	IngestOrder(ctx context.Context, doc *models.OrderDocument, raw []byte) (*IngestResult, error)
	RejectDocument(ctx context.Context, raw []byte, cause error)
	ProcessOrder(ctx context.Context, orderID string) (*models.SalesOrder, error)
	GetOrder(ctx context.Context, orderID string) (*models.SalesOrder, error)
	ListOrders(ctx context.Context, status string, limit int) ([]models.SalesOrder, error)
}

// FxService resolves the rate for a currency pair, consulting the in-process
// cache, the append-only rate history and finally the external rate source.
type FxService interface {
	GetRate(ctx context.Context, from, to string) (*models.FxRate, error)
}

// RateSource is the external rate lookup collaborator.
type RateSource interface {
	FetchRate(ctx context.Context, from, to string) (rate decimal.Decimal, source string, err error)
}

// InvoiceRequest is the payload sent to the invoicing collaborator, keyed by
// order id so the collaborator can deduplicate repeat dispatches.
type InvoiceRequest struct {
	OrderID  string          `json:"order_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// InvoiceResponse is the invoicing collaborator's reply.
type InvoiceResponse struct {
	InvoiceID string    `json:"invoice_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// InvoiceClient is the external invoicing collaborator.
type InvoiceClient interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResponse, error)
}

// AlertService notifies operators when an order dead-letters.
type AlertService interface {
	DeadLetterAlert(orderID, errorType, message string) error
}
