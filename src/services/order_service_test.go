package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/ionbridge/src/models"
	"github.com/username/ionbridge/src/store"
)

type stubInvoiceClient struct {
	failures int
	calls    int
}

func (c *stubInvoiceClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResponse, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.New("invoice API unavailable")
	}
	return &InvoiceResponse{
		InvoiceID: "INV-" + req.OrderID,
		Status:    "issued",
		CreatedAt: time.Now().UTC(),
	}, nil
}

type stubAlertService struct {
	alerts []string
}

func (a *stubAlertService) DeadLetterAlert(orderID, errorType, message string) error {
	a.alerts = append(a.alerts, orderID+"/"+errorType)
	return nil
}

type orderTestEnv struct {
	svc      OrderService
	store    *store.Store
	source   *stubRateSource
	invoices *stubInvoiceClient
	alerts   *stubAlertService
}

func newOrderTestEnv(t *testing.T, invoiceFailures int) *orderTestEnv {
	t.Helper()
	st := newServiceStore(t)
	source := &stubRateSource{rate: decimal.RequireFromString("1.4850")}
	fx := NewFxService(st, source, cache.New(time.Hour, time.Hour), time.Hour, 1)
	invoices := &stubInvoiceClient{failures: invoiceFailures}
	alerts := &stubAlertService{}
	return &orderTestEnv{
		svc:      NewOrderService(st, fx, invoices, alerts, "CAD", 3),
		store:    st,
		source:   source,
		invoices: invoices,
		alerts:   alerts,
	}
}

func testDocument(orderID string) *models.OrderDocument {
	return &models.OrderDocument{
		OrderID:    orderID,
		CustomerID: "CUST-1",
		OrderDate:  "2025-01-01",
		Currency:   "EUR",
		Amount:     "100.00",
		Tax:        "0",
	}
}

func TestIngestAndProcess_HappyPath(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	ctx := context.Background()

	res, err := env.svc.IngestOrder(ctx, testDocument("ORD-1"), nil)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, models.StatusPending, res.Order.ProcessingStatus)
	assert.Equal(t, "ORD-1", res.Order.IdempotencyKey, "idempotency key defaults to the order id")

	order, err := env.svc.ProcessOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, order.ProcessingStatus)
	assert.Equal(t, models.RouteNormal, order.RoutePath)
	assert.Equal(t, "INV-ORD-1", order.InvoiceID)
	assert.Equal(t, "issued", order.InvoiceStatus)
	assert.Equal(t, "CAD", order.ConvertedCurrency)
	require.NotNil(t, order.ConvertedTotal)
	assert.Equal(t, "148.5", order.ConvertedTotal.String())
	require.NotNil(t, order.FxRate)
	assert.Equal(t, "1.485", order.FxRate.String())
	assert.NotNil(t, order.CompletedAt)
	assert.Equal(t, 0, order.RetryCount)
	assert.Empty(t, env.alerts.alerts)
}

func TestIngestOrder_Duplicate(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	ctx := context.Background()

	_, err := env.svc.IngestOrder(ctx, testDocument("ORD-1"), nil)
	require.NoError(t, err)

	// Same order id, different idempotency key: still the same order.
	dup := testDocument("ORD-1")
	dup.IdempotencyKey = "K-2"
	res, err := env.svc.IngestOrder(ctx, dup, nil)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, models.RouteDuplicate, res.Order.RoutePath, "returned copy carries the duplicate marker")

	stored, err := env.svc.GetOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.RouteNormal, stored.RoutePath, "stored row stays untouched")

	orders, err := env.svc.ListOrders(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	summary, err := env.store.DailySummary(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.OrdersReceived)
	assert.Equal(t, 1, summary.DuplicateOrders)
}

func TestIngestOrder_ReusedIdempotencyKey(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	ctx := context.Background()

	first := testDocument("ORD-1")
	first.IdempotencyKey = "K-1"
	_, err := env.svc.IngestOrder(ctx, first, nil)
	require.NoError(t, err)

	// New order id, reused key: a retransmission of ORD-1, not a new order.
	second := testDocument("ORD-2")
	second.IdempotencyKey = "K-1"
	res, err := env.svc.IngestOrder(ctx, second, nil)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, "ORD-1", res.Order.OrderID, "duplicate resolves to the order owning the key")
	assert.Equal(t, models.RouteDuplicate, res.Order.RoutePath)

	_, err = env.svc.GetOrder(ctx, "ORD-2")
	assert.ErrorIs(t, err, store.ErrOrderNotFound, "the reused key must not create a row")

	orders, err := env.svc.ListOrders(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestIngestOrder_ValidationDeadLetter(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	ctx := context.Background()

	doc := testDocument("ORD-1")
	doc.Amount = "not-a-number"
	raw := []byte(`{"order_id":"ORD-1","amount":"not-a-number"}`)

	_, err := env.svc.IngestOrder(ctx, doc, raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.svc.GetOrder(ctx, "ORD-1")
	assert.ErrorIs(t, err, store.ErrOrderNotFound, "invalid documents never create an order")

	deadLetters, err := env.store.ListErrors(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, models.ErrTypeValidation, deadLetters[0].ErrorType)
	assert.Equal(t, string(raw), deadLetters[0].Payload, "the raw document is archived for debugging")
}

func TestProcessOrder_FxFailureDeadLetters(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	env.source.err = errors.New("rate source down")
	ctx := context.Background()

	_, err := env.svc.IngestOrder(ctx, testDocument("ORD-1"), nil)
	require.NoError(t, err)

	order, err := env.svc.ProcessOrder(ctx, "ORD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFxLookup)
	require.NotNil(t, order)
	assert.Equal(t, models.StatusError, order.ProcessingStatus)
	assert.Equal(t, models.RouteError, order.RoutePath)

	deadLetters, listErr := env.store.ListErrors(ctx, true, 10)
	require.NoError(t, listErr)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, models.ErrTypeFxLookup, deadLetters[0].ErrorType)
	assert.Equal(t, []string{"ORD-1/" + models.ErrTypeFxLookup}, env.alerts.alerts)
	assert.Equal(t, 0, env.invoices.calls, "dispatch never runs after an FX failure")
}

func TestProcessOrder_RetryThenDeadLetter(t *testing.T) {
	env := newOrderTestEnv(t, 100) // invoice API never recovers
	ctx := context.Background()

	_, err := env.svc.IngestOrder(ctx, testDocument("ORD-1"), nil)
	require.NoError(t, err)

	// With max_retries = 3 the first three failures stay retryable.
	for want := 1; want <= 3; want++ {
		order, err := env.svc.ProcessOrder(ctx, "ORD-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvoiceDispatch)
		require.NotNil(t, order)
		assert.Equal(t, models.StatusProcessing, order.ProcessingStatus)
		assert.Equal(t, want, order.RetryCount)
	}

	// The fourth failure exhausts the budget and dead-letters the order.
	order, err := env.svc.ProcessOrder(ctx, "ORD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvoiceDispatch)
	require.NotNil(t, order)
	assert.Equal(t, models.StatusError, order.ProcessingStatus)
	assert.Equal(t, models.RouteError, order.RoutePath)
	assert.Equal(t, 3, order.RetryCount)
	assert.Equal(t, 4, env.invoices.calls)

	deadLetters, listErr := env.store.ListErrors(ctx, true, 10)
	require.NoError(t, listErr)
	require.Len(t, deadLetters, 1, "exactly one dead-letter record per failed order")
	assert.Equal(t, models.ErrTypeInvoiceDispatch, deadLetters[0].ErrorType)
	assert.Equal(t, 3, deadLetters[0].RetryCount)
	assert.Len(t, env.alerts.alerts, 1)

	// A further retry on the terminal order is refused.
	_, err = env.svc.ProcessOrder(ctx, "ORD-1")
	assert.ErrorIs(t, err, ErrOrderTerminal)
	assert.Equal(t, 4, env.invoices.calls)
}

func TestProcessOrder_RecoversOnRetry(t *testing.T) {
	env := newOrderTestEnv(t, 2)
	ctx := context.Background()

	_, err := env.svc.IngestOrder(ctx, testDocument("ORD-1"), nil)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := env.svc.ProcessOrder(ctx, "ORD-1")
		require.ErrorIs(t, err, ErrInvoiceDispatch)
	}

	order, err := env.svc.ProcessOrder(ctx, "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, order.ProcessingStatus)
	assert.Equal(t, 2, order.RetryCount)
	assert.Equal(t, "INV-ORD-1", order.InvoiceID)
	assert.Equal(t, 1, env.source.calls, "conversion runs once across retries")
	assert.Empty(t, env.alerts.alerts)
}

func TestProcessOrder_NotFound(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	_, err := env.svc.ProcessOrder(context.Background(), "ORD-missing")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestRejectDocument_ArchivesPayload(t *testing.T) {
	env := newOrderTestEnv(t, 0)
	ctx := context.Background()

	raw := []byte(`<SalesOrder><broken`)
	env.svc.RejectDocument(ctx, raw, errors.New("malformed BOD XML"))

	deadLetters, err := env.store.ListErrors(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, models.ErrTypeValidation, deadLetters[0].ErrorType)
	assert.Equal(t, string(raw), deadLetters[0].Payload)
}
