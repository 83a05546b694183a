package events

import (
	"context"
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
)

const (
	DefaultTopicPrefix = "devicehub/state"

	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMillis  = 250
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	QoS      byte
}

// DialMQTT connects to the broker with automatic reconnection
func DialMQTT(cfg MQTTConfig) (paho.Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetCleanSession(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.Component(nil, "mqtt").WithError(err).Warn("lost connection to broker")
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, errors.Errorf("connecting to %s: timed out after %v", cfg.Broker, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", cfg.Broker)
	}
	return client, nil
}

// Publisher is the part of paho.Client the MQTT bridge uses
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// MQTTPublisher mirrors device snapshots to retained topics
// <prefix>/<vendor>/<native id>. Removed devices get an empty retained
// message, which clears the topic.
type MQTTPublisher struct {
	client Publisher
	prefix string
	qos    byte
}

func NewMQTTPublisher(client Publisher, prefix string, qos byte) *MQTTPublisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos}
}

// Topic returns the state topic for a device
func (p *MQTTPublisher) Topic(d device.Device) string {
	vendor, native, ok := device.SplitID(d.ID)
	if !ok {
		vendor, native = d.Vendor, d.ID
	}
	if vendor == "" {
		vendor = "unknown"
	}
	return p.prefix + "/" + vendor + "/" + native
}

func (p *MQTTPublisher) Publish(ev Event) error {
	var payload []byte
	if ev.Type != DeviceRemoved {
		var err error
		if payload, err = json.Marshal(ev.Device); err != nil {
			return errors.Wrapf(err, "encoding %s", ev.Device.ID)
		}
	}

	topic := p.Topic(ev.Device)
	token := p.client.Publish(topic, p.qos, true, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return errors.Errorf("publishing to %s: timed out after %v", topic, mqttPublishTimeout)
	}
	return errors.Wrapf(token.Error(), "publishing to %s", topic)
}

// Run forwards bus events until ctx is done or the bus closes
func (p *MQTTPublisher) Run(ctx context.Context, bus *Bus) {
	log := logging.Component(ctx, "mqtt")
	events, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				log.WithError(err).Warnf("could not mirror %s", ev.Device.ID)
				continue
			}
			log.Debugf("mirrored %s %s", ev.Type, ev.Device.ID)
		}
	}
}

// Disconnect waits briefly for in-flight publishes, then closes the connection
func Disconnect(client paho.Client) {
	client.Disconnect(mqttQuiesceMillis)
}
