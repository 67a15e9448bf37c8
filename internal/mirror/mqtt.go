package mirror

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/sc-gateway/internal/config"
	"github.com/lorawan-server/sc-gateway/internal/models"
	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// mqttClient is the part of mqtt.Client the publisher uses
type mqttClient interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes events as JSON on <prefix>/<eui>/<type>
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
}

// NewMQTTPublisher connects to the broker. If the first connection does
// not complete within the configured timeout the client keeps retrying in
// the background and events are dropped until it succeeds.
func NewMQTTPublisher(cfg config.MQTTConfig, eui lorawan.EUI64) (*MQTTPublisher, error) {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sc-gateway-" + eui.String()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("MQTT connected")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		log.Warn().Str("broker", cfg.BrokerURL).Msg("MQTT broker not reachable yet, retrying in background")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", err)
	}
	log.Info().Str("broker", cfg.BrokerURL).Str("prefix", cfg.TopicPrefix).Msg("MQTT mirror enabled")

	return newMQTTPublisher(client, cfg.TopicPrefix, cfg.QoS), nil
}

func newMQTTPublisher(client mqttClient, prefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos}
}

// Publish implements Publisher. It does not wait for the broker.
func (p *MQTTPublisher) Publish(ev models.Event) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.client.Publish(Topic(p.prefix, ev), p.qos, false, data)
	return nil
}

// Close implements Publisher
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
