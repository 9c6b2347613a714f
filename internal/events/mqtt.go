package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig configures the exporter
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// publisher is the part of paho.Client the exporter uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Exporter forwards bus events to an MQTT broker, one topic per event type.
type Exporter struct {
	client publisher
	codec  Codec
	topic  string
	qos    byte
	logger *zap.Logger
	closer func()
}

// ClientOptions builds paho options from config.
func ClientOptions(config *MQTTConfig, logger *zap.Logger) *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(config.Broker).
		SetClientID(config.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", config.Broker))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	return opts
}

// DialExporter connects to the broker and returns a ready exporter.
func DialExporter(config *MQTTConfig, codec Codec, logger *zap.Logger) (*Exporter, error) {
	logger = logger.With(zap.String("component", "mqtt"))

	client := paho.NewClient(ClientOptions(config, logger))
	token := client.Connect()
	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", config.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", config.Broker, err)
	}

	exporter := NewExporter(client, codec, config.Topic, config.QoS, logger)
	exporter.closer = func() { client.Disconnect(250) }
	return exporter, nil
}

// NewExporter wraps an already connected client.
func NewExporter(client publisher, codec Codec, topic string, qos byte, logger *zap.Logger) *Exporter {
	return &Exporter{
		client: client,
		codec:  codec,
		topic:  strings.TrimSuffix(topic, "/"),
		qos:    qos,
		logger: logger,
	}
}

// Run publishes every event from bus until ctx is done.
func (e *Exporter) Run(ctx context.Context, bus *Bus) {
	ch := bus.Subscribe(TypeAll)
	defer bus.Unsubscribe(TypeAll, ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := e.Export(event); err != nil {
				e.logger.Warn("Failed to export event",
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}
	}
}

// Export publishes a single event. QoS 0 publishes are not waited on.
func (e *Exporter) Export(event Event) error {
	payload, err := e.codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	token := e.client.Publish(e.topic+"/"+event.Type, e.qos, false, payload)
	if e.qos == 0 {
		return nil
	}
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker
func (e *Exporter) Close() {
	if e.closer != nil {
		e.closer()
	}
}
