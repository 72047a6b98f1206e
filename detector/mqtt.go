package detector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"go-attendance-verifier/facematch"
	"go-attendance-verifier/retry"
)

const (
	DefaultTopicPrefix = "/attendance"
	defaultRPCTimeout  = 30 * time.Second
)

type MQTTConfig struct {
	Broker      string `json:"broker"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	// TimeoutSeconds bounds a single RPC when the caller's context has no deadline.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Broker is the subset of mqtt.Client the detector needs.
type Broker interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

type rpcRequest struct {
	RequestId  string `json:"requestId"`
	Payload    string `json:"payload"`
	ResponseTo string `json:"responseTo"`
}

// MQTTDetector runs detection as a request/response RPC over MQTT. Every call
// subscribes to a response topic unique to its request id.
type MQTTDetector struct {
	broker  Broker
	prefix  string
	timeout time.Duration
}

func NewMQTTDetector(broker Broker, config MQTTConfig) *MQTTDetector {
	prefix := strings.TrimRight(config.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &MQTTDetector{broker: broker, prefix: prefix, timeout: timeout}
}

func (d *MQTTDetector) RequestTopic() string {
	return d.prefix + "/rpc/detectFaces/request"
}

func (d *MQTTDetector) ResponseTopic(requestId string) string {
	return d.prefix + "/rpc/detectFaces/response/" + requestId
}

func (d *MQTTDetector) Detect(ctx context.Context, image []byte) (facematch.DetectionResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	reqId := uuid.New().String()
	responseTopic := d.ResponseTopic(reqId)

	responses := make(chan []byte, 1)
	token := d.broker.Subscribe(responseTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
		select {
		case responses <- m.Payload():
		default:
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return facematch.DetectionResult{}, fmt.Errorf("failed to subscribe to %s: %w", responseTopic, err)
	}
	defer func() {
		if err := waitToken(context.Background(), d.broker.Unsubscribe(responseTopic)); err != nil {
			slog.Warn("Failed to unsubscribe from response topic", "topic", responseTopic, "error", err)
		}
	}()

	payload, err := json.Marshal(rpcRequest{
		RequestId:  reqId,
		Payload:    base64.StdEncoding.EncodeToString(image),
		ResponseTo: responseTopic,
	})
	if err != nil {
		return facematch.DetectionResult{}, retry.Permanent(fmt.Errorf("failed to marshal rpc request: %w", err))
	}

	slog.Debug("Publishing detection request", "request_id", reqId, "topic", d.RequestTopic())
	if err := waitToken(ctx, d.broker.Publish(d.RequestTopic(), 1, false, payload)); err != nil {
		return facematch.DetectionResult{}, fmt.Errorf("failed to publish detection request: %w", err)
	}

	select {
	case <-ctx.Done():
		return facematch.DetectionResult{}, fmt.Errorf("no detection response for request %s: %w", reqId, ctx.Err())
	case body := <-responses:
		var resp detectResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return facematch.DetectionResult{}, fmt.Errorf("failed to decode detection response: %w", err)
		}
		if resp.Error != "" {
			return facematch.DetectionResult{}, retry.Permanent(fmt.Errorf("detector reported: %s", resp.Error))
		}
		result := resp.toResult()
		slog.Debug("Detection response received", "request_id", reqId, "faces", len(result.Faces))
		return result, nil
	}
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewMQTTClient connects to the broker with a random client id.
func NewMQTTClient(config MQTTConfig) (mqtt.Client, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	clientId := uuid.New().String()

	opts := mqtt.NewClientOptions().AddBroker(config.Broker).SetClientID(clientId)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.OnConnect = func(mqtt.Client) {
		slog.Info("Connected to MQTT broker", "broker", config.Broker, "client_id", clientId)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("Lost connection to MQTT broker", "broker", config.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}
