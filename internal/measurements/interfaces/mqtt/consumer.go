// Package mqtt feeds device readings published on the broker into the local
// reading queue.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"equisync/internal/measurements/application"
	measurements "equisync/internal/measurements/domain"
)

const (
	// DefaultTopicRoot prefixes every reading topic: <root>/<horseID>/<metric>.
	DefaultTopicRoot = "equisync"
	channelMQTT      = "mqtt"
	handleTimeout    = 10 * time.Second
)

// Ingester queues local readings.
type Ingester interface {
	Ingest(ctx context.Context, key measurements.SeriesKey, channel, recordedBy string, input []application.NewReading) ([]measurements.Reading, error)
}

// Config holds broker connection settings.
type Config struct {
	Broker    string
	ClientID  string
	Username  string
	Password  string
	TopicRoot string
	QoS       byte
}

// Consumer subscribes to reading topics.
type Consumer struct {
	ingester  Ingester
	topicRoot string
	qos       byte
	logger    *log.Logger
}

// NewConsumer constructs a consumer.
func NewConsumer(ingester Ingester, topicRoot string, qos byte, logger *log.Logger) (*Consumer, error) {
	if ingester == nil {
		return nil, errors.New("mqtt consumer: nil ingester")
	}
	if topicRoot == "" {
		topicRoot = DefaultTopicRoot
	}
	if qos > 2 {
		return nil, fmt.Errorf("mqtt consumer: invalid qos %d", qos)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{
		ingester:  ingester,
		topicRoot: strings.Trim(topicRoot, "/"),
		qos:       qos,
		logger:    logger,
	}, nil
}

// Subscription is the wildcard filter the consumer listens on.
func (c *Consumer) Subscription() string {
	return c.topicRoot + "/+/+"
}

// Connect opens a broker connection that resubscribes on every reconnect.
func (c *Consumer) Connect(cfg Config) (paho.Client, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt consumer: empty broker")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("equisync-%d", time.Now().Unix())
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.OnConnect = func(client paho.Client) {
		token := client.Subscribe(c.Subscription(), c.qos, c.HandleMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			c.logger.Printf("mqtt consumer: subscribe error: %v", err)
			return
		}
		c.logger.Printf("mqtt consumer: subscribed to %s", c.Subscription())
	}
	opts.OnConnectionLost = func(client paho.Client, err error) {
		c.logger.Printf("mqtt consumer: connection lost: %v", err)
	}

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// HandleMessage is the paho message handler.
func (c *Consumer) HandleMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := c.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
		c.logger.Printf("mqtt consumer: topic=%s error: %v", msg.Topic(), err)
	}
}

// Handle parses and ingests one message.
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) error {
	key, device, err := c.ParseTopic(topic)
	if err != nil {
		return err
	}
	readings, err := ParsePayload(payload)
	if err != nil {
		return err
	}
	_, err = c.ingester.Ingest(ctx, key, channelMQTT, device, readings)
	return err
}

// ParseTopic extracts the series key from <root>/<horseID>/<metric>. The
// returned device label is the topic itself.
func (c *Consumer) ParseTopic(topic string) (measurements.SeriesKey, string, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 3 || parts[0] != c.topicRoot {
		return measurements.SeriesKey{}, "", fmt.Errorf("mqtt consumer: unexpected topic %q", topic)
	}
	key := measurements.SeriesKey{HorseID: parts[1], Metric: parts[2]}
	if err := key.Validate(); err != nil {
		return measurements.SeriesKey{}, "", err
	}
	return key, "mqtt:" + topic, nil
}

type wireReading struct {
	Value      *float64  `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// ParsePayload accepts one reading object or an array of them.
func ParsePayload(payload []byte) ([]application.NewReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", measurements.ErrInvalidMeasurement)
	}
	var wire []wireReading
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", measurements.ErrInvalidMeasurement, err)
		}
	} else {
		var one wireReading
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", measurements.ErrInvalidMeasurement, err)
		}
		wire = append(wire, one)
	}
	result := make([]application.NewReading, 0, len(wire))
	for i, w := range wire {
		if w.Value == nil {
			return nil, fmt.Errorf("%w: reading %d without value", measurements.ErrInvalidMeasurement, i)
		}
		result = append(result, application.NewReading{Value: *w.Value, Timestamp: w.Timestamp, Confidence: w.Confidence})
	}
	return result, nil
}
