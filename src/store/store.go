package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/ionbridge/src/models"
)

var (
	ErrOrderNotFound  = errors.New("sales order not found")
	ErrDuplicateOrder = errors.New("sales order already exists")
	ErrRateNotFound   = errors.New("fx rate not found")
	ErrRecordNotFound = errors.New("record not found")
)

// Store is the repository over the relational schema. Every stage's
// read-modify-write runs inside one transaction so overlapping retries
// cannot produce lost updates.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const orderColumns = `id, order_id, idempotency_key, customer_id, customer_name, order_date,
	currency, amount, tax, total,
	converted_currency, converted_amount, converted_tax, converted_total, fx_rate, converted_at,
	invoice_id, invoice_status, invoice_created_at,
	processing_status, route_path, retry_count, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.SalesOrder, error) {
	var o models.SalesOrder
	var customerName, convCurrency, convAmount, convTax, convTotal, fxRate sql.NullString
	var invoiceID, invoiceStatus sql.NullString
	var convertedAt, invoiceCreatedAt, completedAt sql.NullTime
	var amount, tax, total string

	err := row.Scan(
		&o.ID, &o.OrderID, &o.IdempotencyKey, &o.CustomerID, &customerName, &o.OrderDate,
		&o.Currency, &amount, &tax, &total,
		&convCurrency, &convAmount, &convTax, &convTotal, &fxRate, &convertedAt,
		&invoiceID, &invoiceStatus, &invoiceCreatedAt,
		&o.ProcessingStatus, &o.RoutePath, &o.RetryCount, &o.CreatedAt, &o.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	o.CustomerName = customerName.String
	o.Amount = mustDecimal(amount)
	o.Tax = mustDecimal(tax)
	o.Total = mustDecimal(total)
	o.ConvertedCurrency = convCurrency.String
	o.ConvertedAmount = nullDecimal(convAmount)
	o.ConvertedTax = nullDecimal(convTax)
	o.ConvertedTotal = nullDecimal(convTotal)
	o.FxRate = nullDecimal(fxRate)
	o.InvoiceID = invoiceID.String
	o.InvoiceStatus = invoiceStatus.String
	if convertedAt.Valid {
		t := convertedAt.Time
		o.ConvertedAt = &t
	}
	if invoiceCreatedAt.Valid {
		t := invoiceCreatedAt.Time
		o.InvoiceCreatedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullDecimal(ns sql.NullString) *decimal.Decimal {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// CreateOrder inserts a new sales order in pending state together with its
// ingest event, atomically. A unique-constraint violation on order_id or
// idempotency_key maps to ErrDuplicateOrder so the ingest path stays
// race-safe even across processes.
func (s *Store) CreateOrder(ctx context.Context, o *models.SalesOrder, event *models.IntegrationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO sales_orders (id, order_id, idempotency_key, customer_id, customer_name, order_date,
		currency, amount, tax, total, processing_status, route_path, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = tx.ExecContext(ctx, query,
		o.ID, o.OrderID, o.IdempotencyKey, o.CustomerID, o.CustomerName, o.OrderDate,
		o.Currency, o.Amount.String(), o.Tax.String(), o.Total.String(),
		string(o.ProcessingStatus), string(o.RoutePath), o.RetryCount, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("error inserting sales order %s: %w", o.OrderID, err)
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing sales order %s: %w", o.OrderID, err)
	}
	return nil
}

// GetOrder fetches a sales order by its external order id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.SalesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM sales_orders WHERE order_id = $1`
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("error querying sales order %s: %w", orderID, err)
	}
	return o, nil
}

// GetOrderByIdempotencyKey fetches the sales order owning an idempotency
// key. Used to resolve which row a reused key belongs to when the order id
// itself is new.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.SalesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM sales_orders WHERE idempotency_key = $1`
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("error querying sales order by idempotency key: %w", err)
	}
	return o, nil
}

// ListOrders returns recent orders, newest first, optionally filtered by
// processing status.
func (s *Store) ListOrders(ctx context.Context, status string, limit int) ([]models.SalesOrder, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		query := `SELECT ` + orderColumns + ` FROM sales_orders WHERE processing_status = $1 ORDER BY created_at DESC LIMIT $2`
		rows, err = s.db.QueryContext(ctx, query, status, limit)
	} else {
		query := `SELECT ` + orderColumns + ` FROM sales_orders ORDER BY created_at DESC LIMIT $1`
		rows, err = s.db.QueryContext(ctx, query, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("error listing sales orders: %w", err)
	}
	defer rows.Close()

	orders := []models.SalesOrder{}
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("error scanning sales order: %w", scanErr)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// BeginProcessing transitions a pending order to processing inside one
// transaction. Processing orders pass through unchanged (a caller-driven
// retry re-enters here). Terminal orders are returned as-is; the caller
// decides whether that is an error.
func (s *Store) BeginProcessing(ctx context.Context, orderID string) (*models.SalesOrder, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM sales_orders WHERE order_id = $1`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("error querying sales order %s: %w", orderID, err)
	}

	if o.ProcessingStatus == models.StatusPending {
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx,
			`UPDATE sales_orders SET processing_status = $1, updated_at = $2 WHERE order_id = $3 AND processing_status = $4`,
			string(models.StatusProcessing), now, orderID, string(models.StatusPending))
		if err != nil {
			return nil, fmt.Errorf("error marking order %s processing: %w", orderID, err)
		}
		o.ProcessingStatus = models.StatusProcessing
		o.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("error committing transaction: %w", err)
	}
	return o, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, e *models.IntegrationEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO integration_events (id, event_type, source, status, order_id, payload, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventType, e.Source, string(e.Status), e.OrderID, e.Payload, e.DurationMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting integration event %s: %w", e.EventType, err)
	}
	return nil
}

// AppendEvent writes a standalone integration event (outside any stage
// transaction), e.g. duplicate or rejected ingests.
func (s *Store) AppendEvent(ctx context.Context, e *models.IntegrationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integration_events (id, event_type, source, status, order_id, payload, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.EventType, e.Source, string(e.Status), e.OrderID, e.Payload, e.DurationMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting integration event %s: %w", e.EventType, err)
	}
	return nil
}

// RecordConversion persists the FX stage atomically: the converted fields on
// the order, the immutable fx_conversions audit row and the stage event.
func (s *Store) RecordConversion(ctx context.Context, o *models.SalesOrder, conv *models.FxConversion, event *models.IntegrationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sales_orders SET converted_currency = $1, converted_amount = $2, converted_tax = $3,
			converted_total = $4, fx_rate = $5, converted_at = $6, updated_at = $7
		WHERE order_id = $8 AND processing_status = $9`,
		o.ConvertedCurrency, o.ConvertedAmount.String(), o.ConvertedTax.String(),
		o.ConvertedTotal.String(), o.FxRate.String(), *o.ConvertedAt, now,
		o.OrderID, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("error updating converted fields for order %s: %w", o.OrderID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fx_conversions (id, sales_order_id, fx_rate_id, from_currency, to_currency,
			original_total, converted_total, rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		conv.ID, conv.SalesOrderID, conv.FxRateID, conv.FromCurrency, conv.ToCurrency,
		conv.OriginalTotal.String(), conv.ConvertedTotal.String(), conv.Rate.String(), conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting fx conversion for order %s: %w", o.OrderID, err)
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing conversion for order %s: %w", o.OrderID, err)
	}
	return nil
}

// RecordDispatchSuccess marks the order completed with its invoice reference,
// atomically with the stage event.
func (s *Store) RecordDispatchSuccess(ctx context.Context, orderID, invoiceID, invoiceStatus string, invoiceCreatedAt time.Time, event *models.IntegrationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sales_orders SET invoice_id = $1, invoice_status = $2, invoice_created_at = $3,
			processing_status = $4, completed_at = $5, updated_at = $6
		WHERE order_id = $7 AND processing_status = $8`,
		invoiceID, invoiceStatus, invoiceCreatedAt,
		string(models.StatusCompleted), now, now,
		orderID, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("error completing order %s: %w", orderID, err)
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing dispatch success for order %s: %w", orderID, err)
	}
	return nil
}

// RecordDispatchRetry increments the retry counter after a recoverable
// dispatch failure and returns the new count. The order stays in processing.
func (s *Store) RecordDispatchRetry(ctx context.Context, orderID string, event *models.IntegrationEvent) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sales_orders SET retry_count = retry_count + 1, updated_at = $1
		WHERE order_id = $2 AND processing_status = $3`,
		now, orderID, string(models.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("error incrementing retry count for order %s: %w", orderID, err)
	}

	var retryCount int
	err = tx.QueryRowContext(ctx, `SELECT retry_count FROM sales_orders WHERE order_id = $1`, orderID).Scan(&retryCount)
	if err != nil {
		return 0, fmt.Errorf("error reading retry count for order %s: %w", orderID, err)
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing retry for order %s: %w", orderID, err)
	}
	return retryCount, nil
}

// RecordFailure routes an order to terminal error state, writes its
// dead-letter record and the stage event, all in one transaction.
func (s *Store) RecordFailure(ctx context.Context, orderID string, ie *models.IntegrationError, event *models.IntegrationEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE sales_orders SET processing_status = $1, route_path = $2, updated_at = $3
		WHERE order_id = $4 AND processing_status = $5`,
		string(models.StatusError), string(models.RouteError), now,
		orderID, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("error marking order %s failed: %w", orderID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO integration_errors (id, error_type, message, detail, order_id, payload, retry_count, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ie.ID, ie.ErrorType, ie.Message, ie.Detail, ie.OrderID, ie.Payload, ie.RetryCount, false, ie.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting dead-letter record for order %s: %w", orderID, err)
	}

	if err := insertEventTx(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing failure for order %s: %w", orderID, err)
	}
	return nil
}

// InsertIntegrationError writes a standalone dead-letter record for failures
// that never produced an order row (malformed or invalid documents).
func (s *Store) InsertIntegrationError(ctx context.Context, ie *models.IntegrationError) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integration_errors (id, error_type, message, detail, order_id, payload, retry_count, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ie.ID, ie.ErrorType, ie.Message, ie.Detail, ie.OrderID, ie.Payload, ie.RetryCount, false, ie.CreatedAt)
	if err != nil {
		return fmt.Errorf("error inserting dead-letter record: %w", err)
	}
	return nil
}

// ListErrors returns dead-letter records, newest first.
func (s *Store) ListErrors(ctx context.Context, onlyUnresolved bool, limit int) ([]models.IntegrationError, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	query := `SELECT id, error_type, message, detail, order_id, payload, retry_count, is_resolved, resolved_at, resolution_notes, created_at
		FROM integration_errors`
	if onlyUnresolved {
		query += ` WHERE is_resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error listing integration errors: %w", err)
	}
	defer rows.Close()

	result := []models.IntegrationError{}
	for rows.Next() {
		var ie models.IntegrationError
		var detail, orderID, payload, notes sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ie.ID, &ie.ErrorType, &ie.Message, &detail, &orderID, &payload,
			&ie.RetryCount, &ie.IsResolved, &resolvedAt, &notes, &ie.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning integration error: %w", err)
		}
		ie.Detail = detail.String
		ie.OrderID = orderID.String
		ie.Payload = payload.String
		ie.ResolutionNotes = notes.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ie.ResolvedAt = &t
		}
		result = append(result, ie)
	}
	return result, rows.Err()
}

// ResolveError marks a dead-letter record resolved. This is the only
// permitted mutation of an integration_errors row.
func (s *Store) ResolveError(ctx context.Context, errorID, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE integration_errors SET is_resolved = TRUE, resolved_at = $1, resolution_notes = $2
		WHERE id = $3 AND is_resolved = FALSE`,
		time.Now().UTC(), notes, errorID)
	if err != nil {
		return fmt.Errorf("error resolving integration error %s: %w", errorID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking resolve result for %s: %w", errorID, err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// InsertFxRate appends a new observation to the rate history.
func (s *Store) InsertFxRate(ctx context.Context, r *models.FxRate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fx_rates (id, from_currency, to_currency, rate, source, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.FromCurrency, r.ToCurrency, r.Rate.String(), r.Source, r.FetchedAt)
	if err != nil {
		return fmt.Errorf("error inserting fx rate %s->%s: %w", r.FromCurrency, r.ToCurrency, err)
	}
	return nil
}

// LatestFxRate returns the most recent observation for a currency pair.
func (s *Store) LatestFxRate(ctx context.Context, from, to string) (*models.FxRate, error) {
	var r models.FxRate
	var rate string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, from_currency, to_currency, rate, source, fetched_at FROM fx_rates
		WHERE from_currency = $1 AND to_currency = $2 ORDER BY fetched_at DESC LIMIT 1`,
		from, to).Scan(&r.ID, &r.FromCurrency, &r.ToCurrency, &rate, &r.Source, &r.FetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRateNotFound
		}
		return nil, fmt.Errorf("error querying latest fx rate %s->%s: %w", from, to, err)
	}
	r.Rate = mustDecimal(rate)
	return &r, nil
}

// RateHistory returns recent observations for a pair, newest first.
func (s *Store) RateHistory(ctx context.Context, from, to string, limit int) ([]models.FxRate, error) {
	if limit <= 0 || limit > 500 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_currency, to_currency, rate, source, fetched_at FROM fx_rates
		WHERE from_currency = $1 AND to_currency = $2 ORDER BY fetched_at DESC LIMIT $3`,
		from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying rate history %s->%s: %w", from, to, err)
	}
	defer rows.Close()

	rates := []models.FxRate{}
	for rows.Next() {
		var r models.FxRate
		var rate string
		if err := rows.Scan(&r.ID, &r.FromCurrency, &r.ToCurrency, &rate, &r.Source, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("error scanning fx rate: %w", err)
		}
		r.Rate = mustDecimal(rate)
		rates = append(rates, r)
	}
	return rates, rows.Err()
}
