package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSProvider queues alerts for a downstream SMS worker.
type SQSProvider struct {
	client   sqsSender
	queueURL string
}

// NewSQSProvider wraps an SQS client and queue URL.
func NewSQSProvider(client *sqs.Client, queueURL string) *SQSProvider {
	return &SQSProvider{client: client, queueURL: queueURL}
}

func (p *SQSProvider) Name() string { return "sqs" }

type queuedAlert struct {
	Alert
	Text string `json:"text"`
}

func (p *SQSProvider) Send(ctx context.Context, msg Message) (string, error) {
	body, err := json.Marshal(queuedAlert{Alert: msg.Alert, Text: msg.Body})
	if err != nil {
		return "", fmt.Errorf("encode alert: %w", err)
	}
	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
