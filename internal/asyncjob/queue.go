package asyncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Delivery is a received event and the handle that acknowledges it.
type Delivery struct {
	Event  Event
	Handle string
}

// Queue carries completion events from provider pollers to the billing worker.
type Queue interface {
	Publish(ctx context.Context, ev Event) error
	Receive(ctx context.Context, maxMessages int) ([]Delivery, error)
	Ack(ctx context.Context, handle string) error
}

type SQSQueue struct {
	client   *sqs.Client
	queueURL string
	wait     int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
		wait:     20,
	}
}

func (q *SQSQueue) Publish(ctx context.Context, ev Event) error {
	body, err := jsonString(ev)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"JobID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(ev.JobID),
			},
			"Status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Status)),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.wait,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	out := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var ev Event
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
			slog.Warn("failed to unmarshal job event", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		out = append(out, Delivery{Event: ev, Handle: aws.ToString(msg.ReceiptHandle)})
	}
	return out, nil
}

func (q *SQSQueue) Ack(ctx context.Context, handle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(handle),
	}
	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// InMemoryQueue redelivers unacknowledged events on the next Receive.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []Delivery
	inflight map[string]Delivery
	seq      int
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{inflight: make(map[string]Delivery)}
}

func (q *InMemoryQueue) Publish(ctx context.Context, ev Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.pending = append(q.pending, Delivery{Event: ev, Handle: strconv.Itoa(q.seq)})
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Anything received earlier and not acked goes back first.
	for h, d := range q.inflight {
		q.pending = append(q.pending, d)
		delete(q.inflight, h)
	}

	count := maxMessages
	if count > len(q.pending) {
		count = len(q.pending)
	}
	out := make([]Delivery, count)
	copy(out, q.pending[:count])
	q.pending = q.pending[count:]
	for _, d := range out {
		q.inflight[d.Handle] = d
	}
	return out, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, handle)
	return nil
}

// Len is the number of events not yet acknowledged.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

func jsonString(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(data), nil
}
