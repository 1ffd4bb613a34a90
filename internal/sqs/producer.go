// Package sqs publishes delivery attempt events to an SQS queue so that
// reporting consumers can follow the audit trail without polling Postgres.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/db"
)

// maxBatch is the SQS SendMessageBatch entry limit.
const maxBatch = 10

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Event is the payload sent to SQS for one delivery attempt.
type Event struct {
	AttemptID    string          `json:"attempt_id"`
	ParishID     string          `json:"parish_id"`
	RecipientID  string          `json:"recipient_id"`
	Channel      string          `json:"channel"`
	Status       string          `json:"status"`
	Target       string          `json:"target"`
	Kind         string          `json:"kind"`
	DateKey      string          `json:"date_key"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	PublishedAt  int64           `json:"published_at"`
}

// NewEvent converts an attempt row into an event
func NewEvent(a *db.DeliveryAttempt, now time.Time) Event {
	ev := Event{
		AttemptID:   a.ID.String(),
		ParishID:    a.ParishID.String(),
		RecipientID: a.RecipientID.String(),
		Channel:     a.Channel,
		Status:      a.Status,
		Target:      a.Target,
		Kind:        a.Kind,
		DateKey:     a.DateKey,
		Context:     a.Context,
		PublishedAt: now.UnixNano(),
	}
	if a.ErrorCode != nil {
		ev.ErrorCode = *a.ErrorCode
	}
	if a.ErrorMessage != nil {
		ev.ErrorMessage = *a.ErrorMessage
	}
	return ev
}

type sqsAPI interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// Producer sends attempt events to SQS.
type Producer struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// PublishBatch sends events in batches of ten. It returns the number of
// events SQS accepted; per-entry failures are logged, not returned.
func (p *Producer) PublishBatch(ctx context.Context, attempts []*db.DeliveryAttempt) (int, error) {
	sent := 0
	for start := 0; start < len(attempts); start += maxBatch {
		end := min(start+maxBatch, len(attempts))

		entries := make([]types.SendMessageBatchRequestEntry, 0, end-start)
		for i, a := range attempts[start:end] {
			body, err := json.Marshal(NewEvent(a, p.now()))
			if err != nil {
				return sent, fmt.Errorf("failed to marshal event: %w", err)
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(string(body)),
				MessageAttributes: attributes(a),
			})
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return sent, fmt.Errorf("sqs batch send failed: %w", err)
		}

		for _, f := range result.Failed {
			p.logger.Warn("sqs rejected event",
				zap.String("entry", aws.ToString(f.Id)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)),
			)
		}
		sent += len(result.Successful)
	}

	return sent, nil
}

func attributes(a *db.DeliveryAttempt) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"channel": {DataType: aws.String("String"), StringValue: aws.String(a.Channel)},
		"status":  {DataType: aws.String("String"), StringValue: aws.String(a.Status)},
	}
}
