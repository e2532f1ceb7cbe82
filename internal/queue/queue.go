// Package queue provides SQS wake-up signalling between the API surface
// and the background workers. The queue carries job notifications only;
// the job record in the table is the source of truth, so a duplicated or
// lost message is always recoverable by the claim loop.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// JobKind routes a notification to the right worker pool.
type JobKind string

const (
	KindExport   JobKind = "export"
	KindDeletion JobKind = "deletion"
)

// JobNotice is the SQS message body for job wake-ups.
type JobNotice struct {
	Kind     JobKind `json:"kind"`
	JobID    string  `json:"jobId"`
	DomainID string  `json:"domainId"`
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSReceiver abstracts SQS receive and delete operations.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher sends job notices to an SQS queue.
type Publisher struct {
	client   SQSSender
	queueURL string
}

// NewPublisher creates a new Publisher.
func NewPublisher(client SQSSender, queueURL string) *Publisher {
	return &Publisher{
		client:   client,
		queueURL: queueURL,
	}
}

// Publish sends one job notice.
func (p *Publisher) Publish(ctx context.Context, notice JobNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}

// Handler processes one job notice. Returning an error leaves the message
// on the queue for redelivery.
type Handler func(ctx context.Context, notice JobNotice) error

// Consumer long-polls an SQS queue and dispatches notices to a handler.
type Consumer struct {
	client   SQSReceiver
	queueURL string
	handler  Handler
	logger   *slog.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(client SQSReceiver, queueURL string, handler Handler, logger *slog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		handler:  handler,
		logger:   logger.With(slog.String("component", "queue_consumer")),
	}
}

// Run polls until ctx is cancelled. Unparseable messages are deleted
// rather than redelivered forever; handler failures leave the message for
// the visibility timeout to redeliver.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.queueURL,
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			c.logger.ErrorContext(ctx, "Receive failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, record := range output.Messages {
			var notice JobNotice
			if err := json.Unmarshal([]byte(aws.ToString(record.Body)), &notice); err != nil {
				c.logger.ErrorContext(ctx, "Failed to parse queue message",
					slog.String("message_id", aws.ToString(record.MessageId)),
					slog.String("error", err.Error()),
				)
				c.delete(ctx, record.ReceiptHandle)
				continue
			}

			if err := c.handler(ctx, notice); err != nil {
				c.logger.ErrorContext(ctx, "Failed to process job notice",
					slog.String("job_id", notice.JobID),
					slog.String("kind", string(notice.Kind)),
					slog.String("error", err.Error()),
				)
				continue
			}
			c.delete(ctx, record.ReceiptHandle)
		}
	}
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.queueURL,
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to delete queue message", slog.String("error", err.Error()))
	}
}
