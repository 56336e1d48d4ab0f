// Package aws loads shared AWS configuration and builds the SES and SNS
// clients used by the notification sinks.
package aws

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"backcheck/internal/platform/config"
)

// Clients holds the AWS service clients. Either may be nil when its channel
// is disabled.
type Clients struct {
	SES *ses.Client
	SNS *sns.Client
}

// New loads credentials from the default chain.
func New(ctx context.Context, cfg config.NotificationsConfig) (*Clients, error) {
	if !cfg.Email.Enabled && !cfg.SMS.Enabled {
		return &Clients{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	out := &Clients{}
	if cfg.Email.Enabled {
		out.SES = ses.NewFromConfig(awsCfg)
	}
	if cfg.SMS.Enabled {
		out.SNS = sns.NewFromConfig(awsCfg)
	}
	return out, nil
}
