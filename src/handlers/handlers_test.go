package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/ionbridge/src/database"
	"github.com/username/ionbridge/src/logger"
	"github.com/username/ionbridge/src/models"
	"github.com/username/ionbridge/src/services"
	"github.com/username/ionbridge/src/store"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

type stubRateSource struct {
	rate decimal.Decimal
	err  error
}

func (s *stubRateSource) FetchRate(ctx context.Context, from, to string) (decimal.Decimal, string, error) {
	if s.err != nil {
		return decimal.Zero, "", s.err
	}
	return s.rate, "stub", nil
}

type stubInvoiceClient struct {
	failures int
	calls    int
}

func (c *stubInvoiceClient) CreateInvoice(ctx context.Context, req services.InvoiceRequest) (*services.InvoiceResponse, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.New("invoice API unavailable")
	}
	return &services.InvoiceResponse{
		InvoiceID: "INV-" + req.OrderID,
		Status:    "issued",
		CreatedAt: time.Now().UTC(),
	}, nil
}

type noopAlertService struct{}

func (noopAlertService) DeadLetterAlert(orderID, errorType, message string) error { return nil }

type testEnv struct {
	mux      *http.ServeMux
	store    *store.Store
	source   *stubRateSource
	invoices *stubInvoiceClient
}

// newTestEnv wires the full handler stack against a throwaway database, with
// the same route patterns the server registers.
func newTestEnv(t *testing.T, invoiceFailures int) *testEnv {
	t.Helper()
	database.InitDB(filepath.Join(t.TempDir(), "test.db"))
	st := store.NewStore(database.DB)

	source := &stubRateSource{rate: decimal.RequireFromString("1.4850")}
	fxService := services.NewFxService(st, source, cache.New(time.Hour, time.Hour), time.Hour, 1)
	invoices := &stubInvoiceClient{failures: invoiceFailures}
	orderService := services.NewOrderService(st, fxService, invoices, noopAlertService{}, "CAD", 3)

	orderHandler := NewOrderHandler(orderService)
	errorHandler := NewErrorHandler(st)
	statsHandler := NewStatsHandler(st)
	healthHandler := NewHealthHandler(database.DB)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", orderHandler.HandleCreateOrder)
	mux.HandleFunc("GET /api/orders", orderHandler.HandleListOrders)
	mux.HandleFunc("GET /api/orders/{orderID}", orderHandler.HandleGetOrder)
	mux.HandleFunc("POST /api/orders/{orderID}/retry", orderHandler.HandleRetryOrder)
	mux.HandleFunc("GET /api/errors", errorHandler.HandleListErrors)
	mux.HandleFunc("POST /api/errors/{errorID}/resolve", errorHandler.HandleResolveError)
	mux.HandleFunc("GET /api/stats/daily", statsHandler.HandleDailySummary)
	mux.HandleFunc("GET /api/stats/events", statsHandler.HandleEventStats)
	mux.HandleFunc("GET /api/stats/errors", statsHandler.HandleErrorStats)
	mux.HandleFunc("GET /api/stats/rates", statsHandler.HandleRateTrend)
	mux.HandleFunc("GET /api/health", healthHandler.HandleHealth)

	return &testEnv{mux: mux, store: st, source: source, invoices: invoices}
}

func (e *testEnv) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

const orderJSON = `{"order_id":"ORD-1","customer_id":"CUST-1","order_date":"2025-01-01","currency":"EUR","amount":"100.00","tax":"0"}`

const orderXML = `<?xml version="1.0"?>
<SalesOrder>
  <Header>
    <OrderID>ORD-20250101-000001</OrderID>
    <CustomerID>CUST-1</CustomerID>
    <OrderDate>2025-01-01</OrderDate>
  </Header>
  <Totals>
    <Currency>EUR</Currency>
    <Amount>100.00</Amount>
    <Tax>0</Tax>
    <Total>100.00</Total>
  </Totals>
</SalesOrder>`

func decodeOrder(t *testing.T, rec *httptest.ResponseRecorder) *models.SalesOrder {
	t.Helper()
	var order models.SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	return &order
}

func TestCreateOrder_JSONCompletes(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	order := decodeOrder(t, rec)
	assert.Equal(t, "ORD-1", order.OrderID)
	assert.Equal(t, models.StatusCompleted, order.ProcessingStatus)
	assert.Equal(t, "INV-ORD-1", order.InvoiceID)
	require.NotNil(t, order.ConvertedTotal)
	assert.Equal(t, "148.5", order.ConvertedTotal.String())
}

func TestCreateOrder_BODXML(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/xml", orderXML)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	order := decodeOrder(t, rec)
	assert.Equal(t, "ORD-20250101-000001", order.OrderID)
	assert.Equal(t, models.StatusCompleted, order.ProcessingStatus)
}

func TestCreateOrder_DuplicateConflict(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	order := decodeOrder(t, rec)
	assert.Equal(t, models.RouteDuplicate, order.RoutePath)
	// Duplicate resubmission must not dispatch a second invoice.
	assert.Equal(t, 1, env.invoices.calls)
}

func TestCreateOrder_ReusedIdempotencyKeyConflict(t *testing.T) {
	env := newTestEnv(t, 0)

	first := `{"order_id":"ORD-1","idempotency_key":"K-1","customer_id":"CUST-1","order_date":"2025-01-01","currency":"EUR","amount":"100.00"}`
	rec := env.do(http.MethodPost, "/api/orders", "application/json", first)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// New order id under an already-used key resolves to the owning order.
	second := `{"order_id":"ORD-2","idempotency_key":"K-1","customer_id":"CUST-1","order_date":"2025-01-01","currency":"EUR","amount":"50.00"}`
	rec = env.do(http.MethodPost, "/api/orders", "application/json", second)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	order := decodeOrder(t, rec)
	assert.Equal(t, "ORD-1", order.OrderID)
	assert.Equal(t, models.RouteDuplicate, order.RoutePath)
	assert.Equal(t, 1, env.invoices.calls)

	rec = env.do(http.MethodGet, "/api/orders/ORD-2", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateOrder_InvalidDocument(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", `{"order_id":"ORD-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrder_MalformedXMLDeadLetters(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/xml", `<SalesOrder><broken`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/errors?unresolved=true", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var deadLetters []models.IntegrationError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deadLetters))
	require.Len(t, deadLetters, 1)
	assert.Equal(t, models.ErrTypeValidation, deadLetters[0].ErrorType)
}

func TestCreateOrder_UnsupportedContentType(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(http.MethodPost, "/api/orders", "text/csv", "a,b,c")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestCreateOrder_EmptyBody(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(http.MethodPost, "/api/orders", "application/json", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrder_DispatchFailureAccepted(t *testing.T) {
	env := newTestEnv(t, 100)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	order := decodeOrder(t, rec)
	assert.Equal(t, models.StatusProcessing, order.ProcessingStatus)
	assert.Equal(t, 1, order.RetryCount)
}

func TestRetryOrder_Recovers(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(http.MethodPost, "/api/orders/ORD-1/retry", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	order := decodeOrder(t, rec)
	assert.Equal(t, models.StatusCompleted, order.ProcessingStatus)
}

func TestRetryOrder_TerminalConflict(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodPost, "/api/orders/ORD-1/retry", "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryOrder_NotFound(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(http.MethodPost, "/api/orders/ORD-missing/retry", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/orders/ORD-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	order := decodeOrder(t, rec)
	assert.Equal(t, "ORD-1", order.OrderID)

	rec = env.do(http.MethodGet, "/api/orders/ORD-missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrders_StatusFilter(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/orders?status=completed", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []models.SalesOrder
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	assert.Len(t, orders, 1)

	rec = env.do(http.MethodGet, "/api/orders?status=pending", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	assert.Len(t, orders, 0)
}

func TestResolveErrorFlow(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", `{"order_id":"ORD-1","customer_id":"CUST-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/errors", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var deadLetters []models.IntegrationError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deadLetters))
	require.Len(t, deadLetters, 1)

	rec = env.do(http.MethodPost, "/api/errors/"+deadLetters[0].ID+"/resolve", "application/json", `{"notes":"resent"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A second resolve attempt finds nothing to mutate.
	rec = env.do(http.MethodPost, "/api/errors/"+deadLetters[0].ID+"/resolve", "application/json", `{"notes":"again"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDailySummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/stats/daily", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary store.DailySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.OrdersReceived)
	assert.Equal(t, 1, summary.Completed)

	rec = env.do(http.MethodGet, "/api/stats/daily?date=not-a-date", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateTrendEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/stats/rates?from=EUR&to=CAD", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rates []models.FxRate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rates))
	assert.Len(t, rates, 1)

	rec = env.do(http.MethodGet, "/api/stats/rates?from=EUR", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventAndErrorStatsEndpoints(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(http.MethodPost, "/api/orders", "application/json", orderJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(http.MethodGet, "/api/stats/events", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var eventStats []store.EventStat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eventStats))
	assert.NotEmpty(t, eventStats)

	rec = env.do(http.MethodGet, "/api/stats/errors", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var errorStats []store.ErrorStat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errorStats))
	assert.Empty(t, errorStats)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 0)
	rec := env.do(http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
