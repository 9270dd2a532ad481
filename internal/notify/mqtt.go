package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gyaneshwarpardhi/hallwatch/internal/config"
)

// patterns tell the wearable how to render each channel.
var patterns = map[string]string{
	ChannelSilentHaptic: "pulse_soft",
	ChannelHaptic:       "pulse_strong",
	ChannelAudio:        "chime",
}

// MQTTPublisher owns the broker connection shared by the wearable channels.
// Topics are <prefix>/recipients/<recipient id>/<channel>.
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
	log     *slog.Logger
}

// NewMQTTPublisher connects to the broker. The client reconnects on its own
// after the first successful connection.
func NewMQTTPublisher(conf config.MQTTConf, log *slog.Logger) (*MQTTPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(conf.Broker)
	opts.SetClientID(conf.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connection established", "broker", conf.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost, will auto-reconnect", "broker", conf.Broker, "err", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(conf.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout after %v", conf.Broker, conf.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", conf.Broker, err)
	}
	return &MQTTPublisher{
		client:  client,
		prefix:  conf.TopicPrefix,
		qos:     conf.QoS,
		timeout: conf.Timeout,
		log:     log,
	}, nil
}

// Channel returns the named wearable channel backed by this connection.
func (p *MQTTPublisher) Channel(name string) Channel {
	return &mqttChannel{pub: p, name: name}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

type wearablePayload struct {
	Message
	Pattern string `json:"pattern"`
}

func (p *MQTTPublisher) publish(ctx context.Context, channel string, m Message) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(wearablePayload{Message: m, Pattern: patterns[channel]})
	if err != nil {
		return fmt.Errorf("encode wearable payload: %w", err)
	}
	topic := fmt.Sprintf("%s/recipients/%s/%s", p.prefix, m.RecipientID, channel)
	token := p.client.Publish(topic, p.qos, false, payload)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug("wearable notified", "topic", topic, "alert", m.AlertID)
	return nil
}

type mqttChannel struct {
	pub  *MQTTPublisher
	name string
}

func (c *mqttChannel) Name() string { return c.name }

func (c *mqttChannel) Send(ctx context.Context, m Message) error {
	return c.pub.publish(ctx, c.name, m)
}
