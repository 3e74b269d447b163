package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/telemetry"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// IntakeMessage is the envelope device gateways put on the intake queue.
// A single message may carry a batch of raw samples from one gateway flush.
type IntakeMessage struct {
	GatewayID string                `json:"gatewayId"`
	Samples   []telemetry.RawSample `json:"samples"`
}

// SampleSink consumes raw samples pulled off the intake queue. The pipeline
// implements this.
type SampleSink interface {
	Ingest(ctx context.Context, raw *telemetry.RawSample) (*telemetry.Sample, error)
}

// ServiceBusClient is an interface for Azure Service Bus operations
type ServiceBusClient interface {
	SendMessage(ctx context.Context, body interface{}) error
	ProcessMessages(ctx context.Context, sink SampleSink) error
	Close() error
}

// serviceBusClient implements the ServiceBusClient interface
type serviceBusClient struct {
	client    *azservicebus.Client
	sender    *azservicebus.Sender
	queueName string
}

// mockServiceBusClient is a no-op implementation for local development
type mockServiceBusClient struct{}

// NewServiceBusClient creates a new Azure Service Bus client. An empty
// connection string yields the local mock.
func NewServiceBusClient(cfg config.AzureConfig) (ServiceBusClient, error) {
	if cfg.QueueConnStr == "" {
		return &mockServiceBusClient{}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Service Bus sender: %w", err)
	}

	return &serviceBusClient{
		client:    client,
		sender:    sender,
		queueName: cfg.QueueName,
	}, nil
}

// SendMessage sends a message to the Service Bus queue
func (s *serviceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal message body: %w", err)
	}

	msg := &azservicebus.Message{
		Body: data,
		ApplicationProperties: map[string]interface{}{
			"source": "fleet-service",
			"time":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	return s.sender.SendMessage(ctx, msg, nil)
}

// ProcessMessages runs the intake receiver loop until ctx is cancelled.
// Malformed messages are completed (dead-lettering them would need operator
// tooling we do not have); messages whose samples fail ingestion are
// abandoned so the queue redelivers them.
func (s *serviceBusClient) ProcessMessages(ctx context.Context, sink SampleSink) error {
	receiver, err := s.client.NewReceiverForQueue(s.queueName, nil)
	if err != nil {
		return fmt.Errorf("failed to create Service Bus receiver: %w", err)
	}
	defer receiver.Close(context.Background())

	log.Info().Str("queue", s.queueName).Msg("Telemetry intake consumer started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Error receiving intake messages")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			if err := s.processOne(ctx, message, sink); err != nil {
				log.Error().Err(err).Str("messageId", message.MessageID).
					Msg("Error processing intake message")
				if abandonErr := receiver.AbandonMessage(ctx, message, nil); abandonErr != nil {
					log.Error().Err(abandonErr).Msg("(AbandonMessage) failed")
				}
				continue
			}

			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Msg("(CompleteMessage) failed")
			}
		}
	}
}

func (s *serviceBusClient) processOne(ctx context.Context, message *azservicebus.ReceivedMessage, sink SampleSink) error {
	var msg IntakeMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		// Not redeliverable, log and drop
		log.Warn().Str("messageId", message.MessageID).Msg("Malformed intake message dropped")
		return nil
	}

	for i := range msg.Samples {
		if _, err := sink.Ingest(ctx, &msg.Samples[i]); err != nil {
			switch {
			case telemetry.IsRejection(err):
				// Bad sample, never going to succeed on redelivery
				log.Warn().Err(err).
					Str("gateway", msg.GatewayID).
					Str("device", msg.Samples[i].DeviceMCU).
					Msg("Intake sample rejected")
			default:
				return fmt.Errorf("ingesting sample from gateway %s: %w", msg.GatewayID, err)
			}
		}
	}

	return nil
}

// Close closes the Service Bus client
func (s *serviceBusClient) Close() error {
	if s.sender != nil {
		if err := s.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if s.client != nil {
		return s.client.Close(context.Background())
	}

	return nil
}

func (m *mockServiceBusClient) SendMessage(ctx context.Context, body interface{}) error {
	log.Debug().Interface("body", body).Msg("[MOCK ServiceBus] message sent")
	return nil
}

func (m *mockServiceBusClient) ProcessMessages(ctx context.Context, sink SampleSink) error {
	log.Info().Msg("[MOCK ServiceBus] intake consumer idle (no connection string)")
	<-ctx.Done()
	return nil
}

func (m *mockServiceBusClient) Close() error {
	return nil
}
