// Package publish mirrors applied snapshots to an MQTT broker as retained
// JSON messages for home-automation consumers.
package publish

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/sleepy-project/statussync/internal/status"
)

// Config holds MQTT mirror configuration
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Message is one topic/payload pair to publish
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher publishes snapshots to the broker
type Publisher struct {
	client mqtt.Client
	cfg    Config
	log    *logrus.Entry

	known map[string]bool
}

type statusPayload struct {
	Status      string  `json:"status"`
	Code        int     `json:"code"`
	Text        string  `json:"text"`
	Devices     int     `json:"devices"`
	LastUpdated float64 `json:"last_updated"`
}

type devicePayload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Using       bool    `json:"using"`
	Status      string  `json:"status"`
	LastUpdated float64 `json:"last_updated,omitempty"`
}

// NewPublisher connects to the broker. The client reconnects on its own
// after a lost connection.
func NewPublisher(cfg Config, log *logrus.Entry) (*Publisher, error) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "statussync"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.WithField("broker", cfg.Broker).Info("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", token.Error())
	}

	return &Publisher{
		client: client,
		cfg:    cfg,
		log:    log,
		known:  make(map[string]bool),
	}, nil
}

// Push publishes snap. Devices that disappeared get their retained message
// cleared. Push is called from a single goroutine.
func (p *Publisher) Push(snap status.Snapshot) {
	msgs, err := Messages(p.cfg.TopicPrefix, snap)
	if err != nil {
		p.log.WithError(err).Warn("encoding mqtt payload failed")
		return
	}

	current := make(map[string]bool, len(snap.Devices))
	for _, d := range snap.Devices {
		current[d.ID] = true
	}
	for id := range p.known {
		if !current[id] {
			msgs = append(msgs, Message{Topic: DeviceTopic(p.cfg.TopicPrefix, id)})
		}
	}
	p.known = current

	for _, m := range msgs {
		token := p.client.Publish(m.Topic, p.cfg.QoS, true, m.Payload)
		if token.Wait() && token.Error() != nil {
			p.log.WithError(token.Error()).WithField("topic", m.Topic).Warn("mqtt publish failed")
		}
	}
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	p.log.Info("mqtt disconnected")
}

// StatusTopic is the topic carrying the overall status
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/status"
}

// DeviceTopic is the topic carrying one device. Topic separators and
// wildcards inside the id are replaced.
func DeviceTopic(prefix, id string) string {
	clean := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
	return strings.TrimSuffix(prefix, "/") + "/devices/" + clean
}

// Messages builds the retained messages describing snap
func Messages(prefix string, snap status.Snapshot) ([]Message, error) {
	text, _ := snap.Status.Label()
	body, err := json.Marshal(statusPayload{
		Status:      snap.Status.String(),
		Code:        snap.Status.Wire(),
		Text:        text,
		Devices:     len(snap.Devices),
		LastUpdated: unix(snap.LastUpdated),
	})
	if err != nil {
		return nil, err
	}
	msgs := []Message{{Topic: StatusTopic(prefix), Payload: body}}

	for _, d := range snap.Devices {
		body, err := json.Marshal(devicePayload{
			ID:          d.ID,
			Name:        d.DisplayName(),
			Using:       d.Using,
			Status:      d.Status,
			LastUpdated: unix(d.LastUpdated),
		})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, Message{Topic: DeviceTopic(prefix, d.ID), Payload: body})
	}
	return msgs, nil
}

func unix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli()) / 1000
}
