package notification

import (
	"context"

	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/status"
)

// NoOpPublisher only logs page alerts.
// Use this when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewNoOpPublisher creates a new no-op publisher that only logs alerts.
func NewNoOpPublisher(logger *observability.Logger, metrics *observability.Metrics) *NoOpPublisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &NoOpPublisher{logger: logger.WithComponent("notification"), metrics: metrics}
}

// PublishPageAlert logs the alert instead of publishing it.
func (p *NoOpPublisher) PublishPageAlert(ctx context.Context, alert status.PageAlert) error {
	p.logger.LogInfo(ctx, "page alert (SNS disabled)",
		"page", alert.Page,
		"message", alert.Message,
		"error_count", alert.ErrorCount,
	)
	p.metrics.RecordNotificationPublished(ctx, "page_alert", "skipped")
	return nil
}
