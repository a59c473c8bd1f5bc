package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/username/ionbridge/src/logger"
	"github.com/username/ionbridge/src/models"
	"github.com/username/ionbridge/src/store"
)

// Stage names used as integration event sources.
const (
	sourceIngest  = "ingest"
	sourceFx      = "fx"
	sourceInvoice = "invoice"
)

type orderServiceImpl struct {
	store          *store.Store
	fx             FxService
	invoices       InvoiceClient
	alerts         AlertService
	targetCurrency string
	maxRetries     int
}

func NewOrderService(
	st *store.Store,
	fx FxService,
	invoices InvoiceClient,
	alerts AlertService,
	targetCurrency string,
	maxRetries int,
) OrderService {
	return &orderServiceImpl{
		store:          st,
		fx:             fx,
		invoices:       invoices,
		alerts:         alerts,
		targetCurrency: targetCurrency,
		maxRetries:     maxRetries,
	}
}

func newEvent(eventType, source string, status models.EventStatus, orderID string, payload map[string]string, started time.Time) *models.IntegrationEvent {
	var payloadJSON string
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			payloadJSON = string(b)
		}
	}
	return &models.IntegrationEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Source:     source,
		Status:     status,
		OrderID:    orderID,
		Payload:    payloadJSON,
		DurationMs: time.Since(started).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
}

// IngestOrder validates the inbound document and persists it in pending
// state. A document whose order_id already exists returns the stored row
// unchanged, marked route_path=duplicate on the returned copy only.
func (s *orderServiceImpl) IngestOrder(ctx context.Context, doc *models.OrderDocument, raw []byte) (*IngestResult, error) {
	started := time.Now()

	if err := doc.Validate(); err != nil {
		s.deadLetterDocument(ctx, doc.OrderID, err, raw)
		event := newEvent(models.EventOrderRejected, sourceIngest, models.EventError, doc.OrderID,
			map[string]string{"reason": err.Error()}, started)
		if appendErr := s.store.AppendEvent(ctx, event); appendErr != nil {
			logger.L.Error("Failed to append rejection event", "orderID", doc.OrderID, "error", appendErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if doc.IdempotencyKey == "" {
		// The mock ION simulator never sends one; the order id is the
		// natural at-most-once token in that case.
		doc.IdempotencyKey = doc.OrderID
	}

	if existing, err := s.store.GetOrder(ctx, doc.OrderID); err == nil {
		return s.duplicateResult(ctx, existing, started)
	} else if !errors.Is(err, store.ErrOrderNotFound) {
		return nil, err
	}

	// A reused idempotency key under a new order id is a retransmission of
	// the order that owns the key, not a new order.
	if existing, err := s.store.GetOrderByIdempotencyKey(ctx, doc.IdempotencyKey); err == nil {
		return s.duplicateResult(ctx, existing, started)
	} else if !errors.Is(err, store.ErrOrderNotFound) {
		return nil, err
	}

	amount, tax, total := doc.Amounts()
	now := time.Now().UTC()
	order := &models.SalesOrder{
		ID:               uuid.NewString(),
		OrderID:          doc.OrderID,
		IdempotencyKey:   doc.IdempotencyKey,
		CustomerID:       doc.CustomerID,
		CustomerName:     doc.CustomerName,
		OrderDate:        doc.OrderDate,
		Currency:         doc.Currency,
		Amount:           amount,
		Tax:              tax,
		Total:            total,
		ProcessingStatus: models.StatusPending,
		RoutePath:        models.RouteNormal,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if order.Currency == "" {
		order.Currency = "EUR"
	}

	event := newEvent(models.EventOrderReceived, sourceIngest, models.EventSuccess, order.OrderID,
		map[string]string{"customer_id": order.CustomerID, "currency": order.Currency, "total": order.Total.String()}, started)

	err := s.store.CreateOrder(ctx, order, event)
	if errors.Is(err, store.ErrDuplicateOrder) {
		// Lost the insert race; either unique column may have fired.
		existing, getErr := s.store.GetOrder(ctx, doc.OrderID)
		if getErr != nil {
			existing, getErr = s.store.GetOrderByIdempotencyKey(ctx, doc.IdempotencyKey)
		}
		if getErr != nil {
			return nil, err
		}
		return s.duplicateResult(ctx, existing, started)
	}
	if err != nil {
		return nil, err
	}

	logger.L.Info("Order ingested", "orderID", order.OrderID, "customerID", order.CustomerID, "total", order.Total.String())
	return &IngestResult{Order: order}, nil
}

func (s *orderServiceImpl) duplicateResult(ctx context.Context, existing *models.SalesOrder, started time.Time) (*IngestResult, error) {
	event := newEvent(models.EventOrderDuplicate, sourceIngest, models.EventWarning, existing.OrderID,
		map[string]string{"processing_status": string(existing.ProcessingStatus)}, started)
	if err := s.store.AppendEvent(ctx, event); err != nil {
		logger.L.Error("Failed to append duplicate event", "orderID", existing.OrderID, "error", err)
	}
	logger.L.Info("Duplicate order ingestion", "orderID", existing.OrderID)

	// The stored row stays untouched; only the returned copy carries the
	// duplicate marker.
	duplicate := *existing
	duplicate.RoutePath = models.RouteDuplicate
	return &IngestResult{Order: &duplicate, Duplicate: true}, nil
}

// RejectDocument archives a document that could not even be decoded. The raw
// payload is kept in the dead-letter table for debugging and replay.
func (s *orderServiceImpl) RejectDocument(ctx context.Context, raw []byte, cause error) {
	started := time.Now()
	s.deadLetterDocument(ctx, "", cause, raw)
	event := newEvent(models.EventOrderRejected, sourceIngest, models.EventError, "",
		map[string]string{"reason": cause.Error()}, started)
	if err := s.store.AppendEvent(ctx, event); err != nil {
		logger.L.Error("Failed to append rejection event for malformed document", "error", err)
	}
}

func (s *orderServiceImpl) deadLetterDocument(ctx context.Context, orderID string, cause error, raw []byte) {
	ie := &models.IntegrationError{
		ID:        uuid.NewString(),
		ErrorType: models.ErrTypeValidation,
		Message:   cause.Error(),
		OrderID:   orderID,
		Payload:   string(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertIntegrationError(ctx, ie); err != nil {
		logger.L.Error("Failed to dead-letter invalid document", "orderID", orderID, "error", err)
	}
}

// ProcessOrder advances a pending or processing order through FX conversion
// and invoice dispatch. It is the caller-driven retry entry point: a
// recoverable dispatch failure leaves the order in processing and the same
// call can be made again later.
func (s *orderServiceImpl) ProcessOrder(ctx context.Context, orderID string) (*models.SalesOrder, error) {
	order, err := s.store.BeginProcessing(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ProcessingStatus.Terminal() {
		return order, fmt.Errorf("%w: order %s is %s", ErrOrderTerminal, orderID, order.ProcessingStatus)
	}

	if order.FxRate == nil {
		order, err = s.convert(ctx, order)
		if err != nil {
			return order, err
		}
	}

	return s.dispatch(ctx, order)
}

// convert runs the FX stage: resolve the rate, compute converted totals with
// half-away-from-zero currency rounding, and commit the audit row, the order
// update and the stage event together.
func (s *orderServiceImpl) convert(ctx context.Context, order *models.SalesOrder) (*models.SalesOrder, error) {
	started := time.Now()

	rate, err := s.fx.GetRate(ctx, order.Currency, s.targetCurrency)
	if err != nil {
		if !errors.Is(err, ErrFxLookup) {
			return order, err
		}
		failed, failErr := s.failOrder(ctx, order, models.ErrTypeFxLookup, sourceFx, models.EventFxConversion, err, started)
		if failErr != nil {
			return order, failErr
		}
		return failed, err
	}

	now := time.Now().UTC()
	convertedAmount := models.RoundMoney(order.Amount.Mul(rate.Rate))
	convertedTax := models.RoundMoney(order.Tax.Mul(rate.Rate))
	convertedTotal := models.RoundMoney(order.Total.Mul(rate.Rate))
	rateValue := rate.Rate

	order.ConvertedCurrency = s.targetCurrency
	order.ConvertedAmount = &convertedAmount
	order.ConvertedTax = &convertedTax
	order.ConvertedTotal = &convertedTotal
	order.FxRate = &rateValue
	order.ConvertedAt = &now

	conv := &models.FxConversion{
		ID:             uuid.NewString(),
		SalesOrderID:   order.ID,
		FxRateID:       rate.ID,
		FromCurrency:   order.Currency,
		ToCurrency:     s.targetCurrency,
		OriginalTotal:  order.Total,
		ConvertedTotal: convertedTotal,
		Rate:           rate.Rate,
		CreatedAt:      now,
	}
	event := newEvent(models.EventFxConversion, sourceFx, models.EventSuccess, order.OrderID,
		map[string]string{"rate": rate.Rate.String(), "source": rate.Source, "converted_total": convertedTotal.String()}, started)

	if err := s.store.RecordConversion(ctx, order, conv, event); err != nil {
		return order, err
	}
	logger.L.Info("Order converted", "orderID", order.OrderID,
		"from", order.Currency, "to", s.targetCurrency, "rate", rate.Rate.String(), "convertedTotal", convertedTotal.String())
	return order, nil
}

// dispatch runs the invoice stage. Failures are retryable while retry_count
// is below the cap; the failure after that dead-letters the order.
func (s *orderServiceImpl) dispatch(ctx context.Context, order *models.SalesOrder) (*models.SalesOrder, error) {
	started := time.Now()

	req := InvoiceRequest{
		OrderID:  order.OrderID,
		Currency: order.ConvertedCurrency,
		Amount:   *order.ConvertedAmount,
		Tax:      *order.ConvertedTax,
		Total:    *order.ConvertedTotal,
	}

	invoice, err := s.invoices.CreateInvoice(ctx, req)
	if err == nil {
		event := newEvent(models.EventInvoiceDispatch, sourceInvoice, models.EventSuccess, order.OrderID,
			map[string]string{"invoice_id": invoice.InvoiceID, "invoice_status": invoice.Status}, started)
		if err := s.store.RecordDispatchSuccess(ctx, order.OrderID, invoice.InvoiceID, invoice.Status, invoice.CreatedAt, event); err != nil {
			return order, err
		}
		logger.L.Info("Order completed", "orderID", order.OrderID, "invoiceID", invoice.InvoiceID)
		return s.store.GetOrder(ctx, order.OrderID)
	}

	dispatchErr := fmt.Errorf("%w: %v", ErrInvoiceDispatch, err)

	if order.RetryCount < s.maxRetries {
		event := newEvent(models.EventInvoiceDispatch, sourceInvoice, models.EventWarning, order.OrderID,
			map[string]string{"error": err.Error(), "retry_count": fmt.Sprint(order.RetryCount + 1)}, started)
		newCount, retryErr := s.store.RecordDispatchRetry(ctx, order.OrderID, event)
		if retryErr != nil {
			return order, retryErr
		}
		logger.L.Warn("Invoice dispatch failed, order stays retryable",
			"orderID", order.OrderID, "retryCount", newCount, "maxRetries", s.maxRetries, "error", err)
		order.RetryCount = newCount
		return order, dispatchErr
	}

	failed, failErr := s.failOrder(ctx, order, models.ErrTypeInvoiceDispatch, sourceInvoice, models.EventInvoiceDispatch, err, started)
	if failErr != nil {
		return order, failErr
	}
	return failed, dispatchErr
}

// failOrder routes an order to terminal error state with its dead-letter
// record and stage event, then fires the ops alert.
func (s *orderServiceImpl) failOrder(ctx context.Context, order *models.SalesOrder, errorType, source, eventType string, cause error, started time.Time) (*models.SalesOrder, error) {
	rawPayload, _ := json.Marshal(order)
	ie := &models.IntegrationError{
		ID:         uuid.NewString(),
		ErrorType:  errorType,
		Message:    cause.Error(),
		OrderID:    order.OrderID,
		Payload:    string(rawPayload),
		RetryCount: order.RetryCount,
		CreatedAt:  time.Now().UTC(),
	}
	event := newEvent(eventType, source, models.EventError, order.OrderID,
		map[string]string{"error": cause.Error()}, started)

	if err := s.store.RecordFailure(ctx, order.OrderID, ie, event); err != nil {
		return nil, err
	}
	logger.L.Error("Order dead-lettered", "orderID", order.OrderID, "errorType", errorType, "error", cause)

	if err := s.alerts.DeadLetterAlert(order.OrderID, errorType, cause.Error()); err != nil {
		logger.L.Error("Failed to send dead-letter alert", "orderID", order.OrderID, "error", err)
	}
	return s.store.GetOrder(ctx, order.OrderID)
}

func (s *orderServiceImpl) GetOrder(ctx context.Context, orderID string) (*models.SalesOrder, error) {
	return s.store.GetOrder(ctx, orderID)
}

func (s *orderServiceImpl) ListOrders(ctx context.Context, status string, limit int) ([]models.SalesOrder, error) {
	return s.store.ListOrders(ctx, status, limit)
}
