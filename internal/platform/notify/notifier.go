// Package notify delivers ingestion lifecycle notifications to an external
// webhook. Delivery is best-effort: the ingestion pipeline never blocks on
// or fails because of a notification.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/phrazzld/sift-api/internal/config"
)

// Summary describes the outcome of one ingestion run.
type Summary struct {
	UploadID    uuid.UUID `json:"upload_id"`
	UserID      uuid.UUID `json:"user_id"`
	Status      string    `json:"status"`
	TotalRows   int64     `json:"total_rows"`
	SkippedRows int64     `json:"skipped_rows"`
	Error       string    `json:"error,omitempty"`
}

// Notifier delivers ingestion outcome notifications.
type Notifier interface {
	// IngestionFinished reports that an upload reached a terminal state.
	IngestionFinished(ctx context.Context, summary Summary) error
}

// NoopNotifier discards all notifications. Used when no webhook is configured.
type NoopNotifier struct{}

// IngestionFinished implements Notifier.
func (NoopNotifier) IngestionFinished(context.Context, Summary) error { return nil }

// WebhookNotifier POSTs ingestion summaries to a configured URL. A circuit
// breaker sheds delivery attempts while the endpoint is failing so a dead
// webhook cannot slow down the ingestion workers.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a Notifier from configuration. An empty webhook URL yields
// a NoopNotifier.
func New(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	if cfg.WebhookURL == "" {
		return NoopNotifier{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	log := logger.With(slog.String("component", "notifier"))

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "ingestion-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("webhook circuit state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  log,
	}
}

// Ensure WebhookNotifier implements Notifier
var _ Notifier = (*WebhookNotifier)(nil)

// IngestionFinished implements Notifier. Returns gobreaker.ErrOpenState
// without attempting delivery while the breaker is open.
func (n *WebhookNotifier) IngestionFinished(ctx context.Context, summary Summary) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.deliver(ctx, summary)
	})
	if err != nil {
		n.logger.Warn("webhook delivery failed",
			slog.String("upload_id", summary.UploadID.String()),
			slog.String("error", err.Error()))
		return err
	}

	n.logger.Debug("webhook delivered",
		slog.String("upload_id", summary.UploadID.String()),
		slog.String("status", summary.Status))
	return nil
}

func (n *WebhookNotifier) deliver(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
