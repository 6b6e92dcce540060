package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dstockto/labprep/runner"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client used here.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends runner events as JSON to <topic>/<run id>/<event kind>.
// Publish failures are logged and never stop a run.
type Publisher struct {
	client publisher
	topic  string
	log    *zap.Logger
}

type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// Connect opens a connection to the broker.
func Connect(cfg Config, log *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "labprep"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(publishTimeout).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(publishTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return newPublisher(client, cfg.Topic, log), nil
}

func newPublisher(client publisher, topic string, log *zap.Logger) *Publisher {
	if topic == "" {
		topic = "labprep"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, topic: strings.TrimRight(topic, "/"), log: log}
}

// Topic returns the topic an event is published to.
func (p *Publisher) Topic(e runner.Event) string {
	return fmt.Sprintf("%s/%s/%s", p.topic, e.RunID, e.Kind)
}

func (p *Publisher) OnEvent(e runner.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.log.Warn("Failed to encode event", zap.Error(err))
		return
	}
	// the final event is retained so late subscribers see how the run ended
	retained := e.Kind == runner.EventFinished
	tok := p.client.Publish(p.Topic(e), 1, retained, payload)
	if !tok.WaitTimeout(publishTimeout) {
		p.log.Warn("MQTT publish timed out", zap.String("topic", p.Topic(e)))
		return
	}
	if err := tok.Error(); err != nil {
		p.log.Warn("MQTT publish failed", zap.String("topic", p.Topic(e)), zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Disconnect(250)
}
