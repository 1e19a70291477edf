package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type NotificationType string

const (
	NotificationProviderDown       NotificationType = "provider_down"
	NotificationProviderUp         NotificationType = "provider_up"
	NotificationPricingConfigError NotificationType = "pricing_config_error"
)

type Notification struct {
	Type    NotificationType       `json:"type"`
	TeamID  string                 `json:"team_id,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if provider, ok := notification.Data["provider"].(string); ok && provider != "" {
		input.MessageAttributes["Provider"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(provider),
		}
	}

	if notification.TeamID != "" {
		input.MessageAttributes["TeamID"] = snstypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(notification.TeamID),
		}
	}

	_, err = n.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}

	slog.Info("notification sent", "type", notification.Type)

	return nil
}

type InMemoryNotifier struct {
	mu            sync.Mutex
	notifications []Notification
	handlers      []func(Notification)
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Send(ctx context.Context, notification Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notifications = append(n.notifications, notification)

	for _, handler := range n.handlers {
		handler(notification)
	}

	slog.Debug("notification sent (in-memory)", "type", notification.Type)

	return nil
}

func (n *InMemoryNotifier) OnNotification(handler func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers = append(n.handlers, handler)
}

func (n *InMemoryNotifier) GetNotifications() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]Notification, len(n.notifications))
	copy(result, n.notifications)
	return result
}
