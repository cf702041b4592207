// Package alerts delivers operator notifications. Alerts are a human
// channel: delivery failure is logged and must never feed back into
// the trading path that raised the alert.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/config"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator notification
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers alerts over one channel
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans an alert out to every configured channel. A failing
// channel never stops the others; the last failure is returned so the
// caller can log it.
type Manager struct {
	alerters []Alerter
	logger   zerolog.Logger
}

func NewManager(logger zerolog.Logger, alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		logger:   logger.With().Str("component", "alerts").Logger(),
	}
}

// Send stamps and delivers one alert on every channel.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.logger.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to deliver alert")
			lastErr = err
		}
	}
	return lastErr
}

// SendCritical sends a critical alert
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityCritical, Metadata: metadata})
}

// SendWarning sends a warning alert
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityWarning, Metadata: metadata})
}

// SendInfo sends an informational alert
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{Title: title, Message: message, Severity: SeverityInfo, Metadata: metadata})
}

// LogAlerter writes alerts into the structured log. This is the
// always-on channel; everything else is optional.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger zerolog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := l.logger.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = l.logger.Error()
	case SeverityWarning:
		event = l.logger.Warn()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg("ALERT: " + alert.Message)

	return nil
}

// FromConfig assembles the alert fan-out: the log channel always, plus
// telegram when enabled.
func FromConfig(cfg config.AlertsConfig, logger zerolog.Logger) (*Manager, error) {
	alerters := []Alerter{NewLogAlerter(logger)}

	if cfg.TelegramEnabled {
		tg, err := NewTelegramAlerter(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telegram alerter: %w", err)
		}
		alerters = append(alerters, tg)
	}

	return NewManager(logger, alerters...), nil
}
