package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProcessingStatus is the lifecycle state of a sales order.
// Transitions are pending -> processing -> {completed, error}.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusError      ProcessingStatus = "error"
)

// Terminal reports whether no further transition is allowed from s.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// RoutePath records which path an inbound document took through the pipeline.
type RoutePath string

const (
	RouteNormal    RoutePath = "normal"
	RouteError     RoutePath = "error"
	RouteDuplicate RoutePath = "duplicate"
)

// EventStatus classifies an integration event.
type EventStatus string

const (
	EventSuccess EventStatus = "success"
	EventWarning EventStatus = "warning"
	EventError   EventStatus = "error"
)

// Integration event types emitted by the pipeline stages.
const (
	EventOrderReceived   = "order_received"
	EventOrderDuplicate  = "order_duplicate"
	EventOrderRejected   = "order_rejected"
	EventFxConversion    = "fx_conversion"
	EventInvoiceDispatch = "invoice_dispatch"
)

// Error types recorded in the dead-letter table.
const (
	ErrTypeValidation      = "validation_error"
	ErrTypeFxLookup        = "fx_lookup_error"
	ErrTypeInvoiceDispatch = "invoice_dispatch_error"
)

// SalesOrder is the core pipeline row. Created once on ingest and mutated
// only by the stage currently owning it.
type SalesOrder struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CustomerID     string `json:"customer_id"`
	CustomerName   string `json:"customer_name,omitempty"`
	OrderDate      string `json:"order_date"`

	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`

	ConvertedCurrency string           `json:"converted_currency,omitempty"`
	ConvertedAmount   *decimal.Decimal `json:"converted_amount,omitempty"`
	ConvertedTax      *decimal.Decimal `json:"converted_tax,omitempty"`
	ConvertedTotal    *decimal.Decimal `json:"converted_total,omitempty"`
	FxRate            *decimal.Decimal `json:"fx_rate,omitempty"`
	ConvertedAt       *time.Time       `json:"converted_at,omitempty"`

	InvoiceID        string     `json:"invoice_id,omitempty"`
	InvoiceStatus    string     `json:"invoice_status,omitempty"`
	InvoiceCreatedAt *time.Time `json:"invoice_created_at,omitempty"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
	RoutePath        RoutePath        `json:"route_path"`
	RetryCount       int              `json:"retry_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FxRate is one observation in the append-only rate history. A new fetch is
// always a new row, never an update.
type FxRate struct {
	ID           string          `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	Source       string          `json:"source"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

// FxConversion is the immutable audit record linking a sales order to the
// rate used and the converted result.
type FxConversion struct {
	ID             string          `json:"id"`
	SalesOrderID   string          `json:"sales_order_id"`
	FxRateID       string          `json:"fx_rate_id"`
	FromCurrency   string          `json:"from_currency"`
	ToCurrency     string          `json:"to_currency"`
	OriginalTotal  decimal.Decimal `json:"original_total"`
	ConvertedTotal decimal.Decimal `json:"converted_total"`
	Rate           decimal.Decimal `json:"rate"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IntegrationEvent is an append-only log entry, one per stage transition.
type IntegrationEvent struct {
	ID         string      `json:"id"`
	EventType  string      `json:"event_type"`
	Source     string      `json:"source"`
	Status     EventStatus `json:"status"`
	OrderID    string      `json:"order_id,omitempty"`
	Payload    string      `json:"payload,omitempty"` // JSON blob
	DurationMs int64       `json:"duration_ms"`
	CreatedAt  time.Time   `json:"created_at"`
}

// IntegrationError is a dead-letter record. Mutated only to mark resolution.
type IntegrationError struct {
	ID              string     `json:"id"`
	ErrorType       string     `json:"error_type"`
	Message         string     `json:"message"`
	Detail          string     `json:"detail,omitempty"`
	OrderID         string     `json:"order_id,omitempty"`
	Payload         string     `json:"payload,omitempty"` // raw failing document
	RetryCount      int        `json:"retry_count"`
	IsResolved      bool       `json:"is_resolved"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RoundMoney rounds to 2 decimal places, half away from zero, which is what
// decimal.Round does and matches typical currency rounding.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
