package models

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// OrderDocument is the normalized inbound sales-order document (BOD), after
// XML or JSON decoding.
type OrderDocument struct {
	OrderID        string `json:"order_id"`
	IdempotencyKey string `json:"idempotency_key"`
	CustomerID     string `json:"customer_id"`
	CustomerName   string `json:"customer_name"`
	OrderDate      string `json:"order_date"`
	Currency       string `json:"currency"`
	Amount         string `json:"amount"`
	Tax            string `json:"tax"`
	Total          string `json:"total"`
}

// bodSalesOrder mirrors the sales-order BOD layout the mock ION simulator
// sends. Order ids show up under different header tags depending on the
// template, so several paths are tried in order.
type bodSalesOrder struct {
	XMLName        xml.Name `xml:"SalesOrder"`
	HeaderOrderID  string   `xml:"Header>OrderID"`
	OrderHeaderID  string   `xml:"OrderHeader>OrderID"`
	OrderID        string   `xml:"OrderID"`
	OrderNumber    string   `xml:"OrderNumber"`
	DocumentID     string   `xml:"DocumentID"`
	IdempotencyKey string   `xml:"Header>IdempotencyKey"`
	CustomerID     string   `xml:"Header>CustomerID"`
	CustomerName   string   `xml:"Header>CustomerName"`
	OrderDate      string   `xml:"Header>OrderDate"`
	Currency       string   `xml:"Totals>Currency"`
	Amount         string   `xml:"Totals>Amount"`
	Tax            string   `xml:"Totals>Tax"`
	Total          string   `xml:"Totals>Total"`
}

// Fallback order-id pattern used by the simulator templates.
var orderIDPattern = regexp.MustCompile(`\b(?:ORD|BULK|AUTO)-\d{8}-\d{6}\b`)

// ParseBODXML decodes a BOD sales-order XML document.
func ParseBODXML(raw []byte) (*OrderDocument, error) {
	var bod bodSalesOrder
	if err := xml.Unmarshal(raw, &bod); err != nil {
		return nil, fmt.Errorf("malformed BOD XML: %w", err)
	}

	orderID := firstNonEmpty(bod.HeaderOrderID, bod.OrderHeaderID, bod.OrderID, bod.OrderNumber, bod.DocumentID)
	if orderID == "" {
		orderID = orderIDPattern.FindString(string(raw))
	}

	return &OrderDocument{
		OrderID:        strings.TrimSpace(orderID),
		IdempotencyKey: strings.TrimSpace(bod.IdempotencyKey),
		CustomerID:     strings.TrimSpace(bod.CustomerID),
		CustomerName:   strings.TrimSpace(bod.CustomerName),
		OrderDate:      strings.TrimSpace(bod.OrderDate),
		Currency:       strings.TrimSpace(bod.Currency),
		Amount:         strings.TrimSpace(bod.Amount),
		Tax:            strings.TrimSpace(bod.Tax),
		Total:          strings.TrimSpace(bod.Total),
	}, nil
}

// ParseOrderJSON decodes a JSON sales-order document.
func ParseOrderJSON(raw []byte) (*OrderDocument, error) {
	var doc OrderDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed JSON order document: %w", err)
	}
	return &doc, nil
}

// Validate checks the required-field contract: order id, customer id, order
// date and a numeric amount must be present. Tax and total default to zero
// and amount+tax respectively when omitted.
func (d *OrderDocument) Validate() error {
	if d.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if d.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	if d.OrderDate == "" {
		return fmt.Errorf("order_date is required")
	}
	if d.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	amount, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return fmt.Errorf("amount %q is not numeric", d.Amount)
	}
	if amount.IsNegative() {
		return fmt.Errorf("amount %s is negative", d.Amount)
	}
	if d.Tax != "" {
		if _, err := decimal.NewFromString(d.Tax); err != nil {
			return fmt.Errorf("tax %q is not numeric", d.Tax)
		}
	}
	if d.Total != "" {
		if _, err := decimal.NewFromString(d.Total); err != nil {
			return fmt.Errorf("total %q is not numeric", d.Total)
		}
	}
	return nil
}

// Amounts returns the parsed amount, tax and total. Validate must have
// passed first.
func (d *OrderDocument) Amounts() (amount, tax, total decimal.Decimal) {
	amount, _ = decimal.NewFromString(d.Amount)
	if d.Tax != "" {
		tax, _ = decimal.NewFromString(d.Tax)
	}
	if d.Total != "" {
		total, _ = decimal.NewFromString(d.Total)
	} else {
		total = amount.Add(tax)
	}
	return amount, tax, total
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
