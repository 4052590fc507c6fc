package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hammamikhairi/safemate/internal/domain"
	"github.com/hammamikhairi/safemate/internal/logger"
)

// Compile-time interface check.
var _ domain.Notifier = (*MQTTNotifier)(nil)

// Publisher is the part of an MQTT client the notifier uses.
// mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOption configures the MQTT notifier.
type MQTTOption func(*MQTTNotifier)

// WithTopicPrefix sets the topic prefix; messages go to <prefix>/<contactID>.
func WithTopicPrefix(p string) MQTTOption {
	return func(m *MQTTNotifier) {
		m.prefix = strings.TrimRight(p, "/")
	}
}

// WithQoS sets the publish QoS level.
func WithQoS(qos byte) MQTTOption {
	return func(m *MQTTNotifier) {
		m.qos = qos
	}
}

// MQTTNotifier publishes one JSON message per contact. Contact apps
// subscribe to their own topic.
type MQTTNotifier struct {
	client  Publisher
	log     *logger.Logger
	prefix  string
	qos     byte
	timeout time.Duration
}

// DialMQTT connects a client to broker with auto-reconnect enabled.
func DialMQTT(broker, clientID string, log *logger.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt: connected to %s as %s", broker, clientID)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt: connection to %s lost: %v", broker, err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, token.Error())
	}
	return client, nil
}

// NewMQTTNotifier creates a notifier publishing through client.
func NewMQTTNotifier(client Publisher, log *logger.Logger, opts ...MQTTOption) *MQTTNotifier {
	m := &MQTTNotifier{
		client:  client,
		log:     log,
		prefix:  "safemate/contacts",
		qos:     1,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Notify publishes n to each recipient's topic.
func (m *MQTTNotifier) Notify(ctx context.Context, n domain.Notification) (domain.DeliveryResult, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("encoding notification %s: %w", n.ID, err)
	}

	wait := m.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < wait {
			wait = left
		}
	}

	var res domain.DeliveryResult
	for _, id := range n.ContactIDs {
		topic := m.prefix + "/" + id
		token := m.client.Publish(topic, m.qos, false, payload)
		if !token.WaitTimeout(wait) {
			res.Fail(id, fmt.Errorf("publish to %s timed out", topic))
			continue
		}
		if err := token.Error(); err != nil {
			res.Fail(id, fmt.Errorf("publish to %s: %w", topic, err))
			continue
		}
		res.Accepted = append(res.Accepted, id)
	}

	m.log.Debug("mqtt: %s for session %s published to %d/%d contacts", n.KindName, n.SessionID, len(res.Accepted), len(n.ContactIDs))
	return res, nil
}
