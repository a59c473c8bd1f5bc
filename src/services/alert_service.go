package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	"github.com/username/ionbridge/src/config"
	"github.com/username/ionbridge/src/logger"
)

// NewAlertService picks the alert transport from configuration. Incomplete
// mailgun configuration falls back to the mock so a dead-letter never fails
// for want of an alert channel.
func NewAlertService() AlertService {
	if config.Cfg == nil {
		slog.Error("Configuration (config.Cfg) is nil. Alert service will default to mock.")
		return &MockAlertService{}
	}

	provider := strings.ToLower(config.Cfg.AlertsProvider)
	logger.L.Info("Initializing alert service", "provider", provider)

	switch provider {
	case "mailgun":
		if config.Cfg.MailgunDomain == "" || config.Cfg.MailgunPrivateAPIKey == "" || config.Cfg.AlertRecipient == "" {
			logger.L.Warn("Mailgun configuration incomplete (Domain, API Key, or AlertRecipient missing). Falling back to MockAlertService.")
			return &MockAlertService{}
		}
		mg := mailgun.NewMailgun(config.Cfg.MailgunDomain, config.Cfg.MailgunPrivateAPIKey)
		logger.L.Info("Mailgun client initialized", "domain", config.Cfg.MailgunDomain)
		return &MailgunAlertService{
			mg:        mg,
			sender:    config.Cfg.AlertSender,
			recipient: config.Cfg.AlertRecipient,
		}
	default:
		logger.L.Info("Defaulting to MockAlertService.")
		return &MockAlertService{}
	}
}

type MailgunAlertService struct {
	mg        mailgun.Mailgun
	sender    string
	recipient string
}

func (s *MailgunAlertService) DeadLetterAlert(orderID, errorType, message string) error {
	subject := fmt.Sprintf("[ionbridge] Order %s dead-lettered (%s)", orderID, errorType)
	body := fmt.Sprintf(`Order %s was routed to the dead-letter table.

Error type: %s
Message:    %s

Inspect the integration_errors record and retry or resolve it from the dashboard.`,
		orderID, errorType, message)

	m := s.mg.NewMessage(s.sender, subject, body, s.recipient)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	resp, id, err := s.mg.Send(ctx, m)
	if err != nil {
		logger.L.Error("Failed to send dead-letter alert via Mailgun", "orderID", orderID, "error", err)
		return fmt.Errorf("failed to send dead-letter alert: %w", err)
	}
	logger.L.Info("Dead-letter alert sent", "orderID", orderID, "mailgunID", id, "response", resp)
	return nil
}

// MockAlertService logs instead of emailing. Used in tests and when no
// provider is configured.
type MockAlertService struct{}

func (s *MockAlertService) DeadLetterAlert(orderID, errorType, message string) error {
	logger.L.Info("MOCK ALERT: order dead-lettered", "orderID", orderID, "errorType", errorType, "message", message)
	return nil
}
