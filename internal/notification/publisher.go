package notification

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/retail-dashboard/internal/platform/aws"
	"github.com/agatticelli/retail-dashboard/internal/platform/observability"
	"github.com/agatticelli/retail-dashboard/internal/status"
)

// Publisher is implemented by every page alert sink.
type Publisher interface {
	PublishPageAlert(ctx context.Context, alert status.PageAlert) error
}

// snsAPI is the part of *aws.SNSClient the publisher needs.
type snsAPI interface {
	Publish(ctx context.Context, topicARN string, message interface{}, attributes map[string]string) error
}

// SNSPublisher publishes page alerts to an SNS topic.
type SNSPublisher struct {
	sns      snsAPI
	topicARN string
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   observability.Tracer
}

// SNSPublisherConfig holds publisher configuration
type SNSPublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    observability.Tracer
}

// NewSNSPublisher creates a page alert publisher backed by SNS.
func NewSNSPublisher(cfg SNSPublisherConfig) (*SNSPublisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	return newSNSPublisher(cfg.SNSClient, cfg)
}

func newSNSPublisher(client snsAPI, cfg SNSPublisherConfig) (*SNSPublisher, error) {
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &SNSPublisher{
		sns:      client,
		topicARN: cfg.TopicARN,
		logger:   cfg.Logger.WithComponent("notification"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// PublishPageAlert publishes alert to SNS. Message attributes allow
// subscribers to filter by page.
func (p *SNSPublisher) PublishPageAlert(ctx context.Context, alert status.PageAlert) error {
	ctx, span := p.tracer.StartSpan(
		ctx,
		"SNSPublisher.PublishPageAlert",
		observability.WithAttributes(
			attribute.String("page", alert.Page),
			attribute.Int("error_count", alert.ErrorCount),
			attribute.String("topic_arn", p.topicARN),
		),
	)
	defer span.End()

	attributes := map[string]string{
		"page":       alert.Page,
		"errorCount": strconv.Itoa(alert.ErrorCount),
	}

	if err := p.sns.Publish(ctx, p.topicARN, alert, attributes); err != nil {
		span.NoticeError(err)
		p.metrics.RecordNotificationPublished(ctx, "page_alert", "error")
		p.logger.LogError(ctx, "failed to publish page alert", err,
			"page", alert.Page,
			"topic_arn", p.topicARN,
		)
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	p.metrics.RecordNotificationPublished(ctx, "page_alert", "success")
	p.logger.LogInfo(ctx, "published page alert",
		"page", alert.Page,
		"error_count", alert.ErrorCount,
	)
	span.MarkOK()
	return nil
}
