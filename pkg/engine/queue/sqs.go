package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQS caps a single receive at ten messages and a long poll at twenty seconds.
const (
	sqsMaxMessages = 10
	sqsMaxWait     = 20
)

// SQSAPI is the subset of the SQS client used by SQSSource.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig configures the SQS client.
type SQSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Optional custom endpoint, e.g. a local emulator
}

// NewSQSClient builds an SQS client, using static credentials when both keys
// are set and the default credential chain otherwise.
func NewSQSClient(ctx context.Context, config SQSConfig) (*sqs.Client, error) {
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var sqsOptions []func(*sqs.Options)
	if config.Endpoint != "" {
		sqsOptions = append(sqsOptions, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	return sqs.NewFromConfig(awsCfg, sqsOptions...), nil
}

// SQSSource receives messages from a single SQS queue using long polling.
type SQSSource struct {
	client      SQSAPI
	name        string
	url         string
	waitSeconds int32
}

// NewSQSSource resolves the queue url for name. waitSeconds is clamped to the
// SQS long-poll range.
func NewSQSSource(ctx context.Context, client SQSAPI, name string, waitSeconds int) (*SQSSource, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}

	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve queue %s: %w", name, err)
	}

	wait := int32(waitSeconds)
	if wait < 0 {
		wait = 0
	}
	if wait > sqsMaxWait {
		wait = sqsMaxWait
	}
	return &SQSSource{client: client, name: name, url: aws.ToString(out.QueueUrl), waitSeconds: wait}, nil
}

var _ Source = (*SQSSource)(nil)

func (s *SQSSource) Name() string {
	return s.name
}

func (s *SQSSource) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	if max > sqsMaxMessages {
		max = sqsMaxMessages
	}

	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.url),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     s.waitSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", s.name, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			Queue:         s.name,
			Body:          []byte(aws.ToString(m.Body)),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

func (s *SQSSource) Delete(ctx context.Context, msg Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s from %s: %w", msg.ID, s.name, err)
	}
	return nil
}
