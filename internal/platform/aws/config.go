package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// Config holds AWS configuration. Profile is optional; credentials come
// from the default chain (environment, shared files, IAM roles).
type Config struct {
	Region   string `mapstructure:"region"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint"`
	TopicARN string `mapstructure:"topic_arn"`
}

// Enabled reports whether page alerts should go to SNS.
func (c Config) Enabled() bool {
	return c.TopicARN != ""
}

// LoadAWSConfig loads AWS SDK configuration.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	return config.LoadDefaultConfig(ctx, opts...)
}
