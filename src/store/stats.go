package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/username/ionbridge/src/models"
)

// DailySummary aggregates one day of pipeline activity for the dashboard.
type DailySummary struct {
	Date            string          `json:"date"`
	OrdersReceived  int             `json:"orders_received"`
	Pending         int             `json:"pending"`
	Processing      int             `json:"processing"`
	Completed       int             `json:"completed"`
	Errored         int             `json:"errored"`
	DuplicateOrders int             `json:"duplicate_orders"`
	TotalOriginal   decimal.Decimal `json:"total_original"`
	TotalConverted  decimal.Decimal `json:"total_converted"`
}

// EventStat is one (event_type, status) bucket with count and mean duration.
type EventStat struct {
	EventType     string  `json:"event_type"`
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// ErrorStat is one error_type bucket of the dead-letter table.
type ErrorStat struct {
	ErrorType  string `json:"error_type"`
	Count      int    `json:"count"`
	Unresolved int    `json:"unresolved"`
}

// DailySummary computes the reporting aggregates for one UTC day as plain
// read queries over the core tables. Amount sums are computed in Go because
// amounts are persisted as decimal strings.
func (s *Store) DailySummary(ctx context.Context, day time.Time) (*DailySummary, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	summary := &DailySummary{
		Date:           dayStart.Format("2006-01-02"),
		TotalOriginal:  decimal.Zero,
		TotalConverted: decimal.Zero,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_status, total, converted_total FROM sales_orders
		WHERE created_at >= $1 AND created_at < $2`,
		dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("error querying daily summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, total string
		var convertedTotal *string
		if err := rows.Scan(&status, &total, &convertedTotal); err != nil {
			return nil, fmt.Errorf("error scanning daily summary row: %w", err)
		}
		summary.OrdersReceived++
		switch models.ProcessingStatus(status) {
		case models.StatusPending:
			summary.Pending++
		case models.StatusProcessing:
			summary.Processing++
		case models.StatusCompleted:
			summary.Completed++
		case models.StatusError:
			summary.Errored++
		}
		summary.TotalOriginal = summary.TotalOriginal.Add(mustDecimal(total))
		if convertedTotal != nil && *convertedTotal != "" {
			summary.TotalConverted = summary.TotalConverted.Add(mustDecimal(*convertedTotal))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM integration_events
		WHERE event_type = $1 AND created_at >= $2 AND created_at < $3`,
		models.EventOrderDuplicate, dayStart, dayEnd).Scan(&summary.DuplicateOrders)
	if err != nil {
		return nil, fmt.Errorf("error counting duplicate orders: %w", err)
	}

	return summary, nil
}

// EventStats returns per-(type,status) counts and average durations over the
// whole event log.
func (s *Store) EventStats(ctx context.Context) ([]EventStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, status, COUNT(*), AVG(duration_ms)
		FROM integration_events
		GROUP BY event_type, status
		ORDER BY event_type, status`)
	if err != nil {
		return nil, fmt.Errorf("error querying event stats: %w", err)
	}
	defer rows.Close()

	stats := []EventStat{}
	for rows.Next() {
		var st EventStat
		if err := rows.Scan(&st.EventType, &st.Status, &st.Count, &st.AvgDurationMs); err != nil {
			return nil, fmt.Errorf("error scanning event stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// ErrorStats returns dead-letter counts grouped by error type.
func (s *Store) ErrorStats(ctx context.Context) ([]ErrorStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT error_type, COUNT(*),
			SUM(CASE WHEN is_resolved = FALSE THEN 1 ELSE 0 END)
		FROM integration_errors
		GROUP BY error_type
		ORDER BY error_type`)
	if err != nil {
		return nil, fmt.Errorf("error querying error stats: %w", err)
	}
	defer rows.Close()

	stats := []ErrorStat{}
	for rows.Next() {
		var st ErrorStat
		if err := rows.Scan(&st.ErrorType, &st.Count, &st.Unresolved); err != nil {
			return nil, fmt.Errorf("error scanning error stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
