package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends mobile push notifications to SNS platform endpoints
type SNSSender struct {
	client snsAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for push notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send publishes the message to the recipient's endpoint ARN
func (s *SNSSender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != db.ChannelPush {
		return fmt.Errorf("SNS sender only supports push, got: %s", msg.Channel)
	}

	if !strings.HasPrefix(msg.Address, "arn:") {
		return NewSendError(CodeInvalidAddress, "push address is not an endpoint ARN", nil)
	}

	body, err := pushPayload(msg)
	if err != nil {
		return NewSendError(CodeProviderError, "encode push payload", err)
	}

	input := &sns.PublishInput{
		TargetArn:        aws.String(msg.Address),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return NewSendError(CodeProviderError, "sns publish failed", err)
	}

	s.logger.Info("push sent via SNS",
		zap.String("id", msg.ID.String()),
		zap.String("recipient_id", msg.RecipientID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsChannel checks if this sender supports the push channel
func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}

// pushPayload renders the per-platform JSON structure SNS expects when
// MessageStructure is "json".
func pushPayload(msg *Message) (string, error) {
	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": msg.Subject, "body": msg.Body},
		},
	})
	if err != nil {
		return "", err
	}
	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]string{"title": msg.Subject, "body": msg.Body},
	})
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]string{
		"default":      msg.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(gcm),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
