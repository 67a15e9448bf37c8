package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/sc-gateway/pkg/lorawan"
)

// Config represents the gateway configuration. It is read once at startup
// and treated as read-only afterwards.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Radio   RadioConfig   `yaml:"radio"`
	Backend BackendConfig `yaml:"backend"`
	Log     LogConfig     `yaml:"log"`
	NATS    NATSConfig    `yaml:"nats"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	API     APIConfig     `yaml:"api"`
}

// GatewayConfig holds the gateway identity reported to the backend
type GatewayConfig struct {
	EUI         string  `yaml:"eui"`
	Description string  `yaml:"description"`
	Platform    string  `yaml:"platform"`
	Email       string  `yaml:"email"`
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	Altitude    int     `yaml:"altitude"`
	StateFile   string  `yaml:"state_file"`
}

// RadioConfig represents the single channel the radio listens on
type RadioConfig struct {
	Driver          string         `yaml:"driver"`
	Region          string         `yaml:"region"`
	Frequency       uint32         `yaml:"frequency"`
	Channel         *int           `yaml:"channel"`
	SpreadingFactor int            `yaml:"spreading_factor"`
	Bandwidth       int            `yaml:"bandwidth"`
	CodingRate      string         `yaml:"coding_rate"`
	TxPower         int            `yaml:"tx_power"`
	CAD             bool           `yaml:"cad"`
	Strict          bool           `yaml:"strict"`
	PreambleLength  int            `yaml:"preamble_length"`
	TxLead          time.Duration  `yaml:"tx_lead"`
	EventQueueSize  int            `yaml:"event_queue_size"`
	MICCheck        bool           `yaml:"mic_check"`
	Devices         []DeviceConfig `yaml:"devices"`
}

// DeviceConfig is a device whose uplink MIC is verified when mic_check is on
type DeviceConfig struct {
	DevAddr string `yaml:"dev_addr"`
	NwkSKey string `yaml:"nwk_s_key"`
}

// BackendConfig represents the Semtech UDP backend connection
type BackendConfig struct {
	Server           string        `yaml:"server"`
	LocalBind        string        `yaml:"local_bind"`
	ProtocolVersion  int           `yaml:"protocol_version"`
	PullInterval     time.Duration `yaml:"pull_interval"`
	StatInterval     time.Duration `yaml:"stat_interval"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	UplinkTimeout    time.Duration `yaml:"uplink_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RecentTokens     int           `yaml:"recent_tokens"`
	RX1Delay         time.Duration `yaml:"rx1_delay"`
	RX2Delay         time.Duration `yaml:"rx2_delay"`
	JoinAcceptDelay1 time.Duration `yaml:"join_accept_delay1"`
	JoinAcceptDelay2 time.Duration `yaml:"join_accept_delay2"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NATSConfig represents the optional NATS event mirror
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents the optional MQTT event mirror
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// APIConfig represents the local status API
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults, and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if eui := os.Getenv("GATEWAY_EUI"); eui != "" {
		c.Gateway.EUI = eui
	}

	if addr := os.Getenv("BACKEND_ADDR"); addr != "" {
		c.Backend.Server = addr
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if brokerURL := os.Getenv("MQTT_BROKER_URL"); brokerURL != "" {
		c.MQTT.BrokerURL = brokerURL
	}

	if secret := os.Getenv("API_JWT_SECRET"); secret != "" {
		c.API.JWTSecret = secret
	}
}

func (c *Config) setDefaults() {
	c.setGatewayDefaults()
	c.setRadioDefaults()
	c.setBackendDefaults()

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "gateway"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "gateway"
	}
	if c.MQTT.ConnectTimeout == 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

func (c *Config) setGatewayDefaults() {
	if c.Gateway.EUI == "" {
		if eui, err := DeriveEUI(); err == nil {
			c.Gateway.EUI = eui.String()
			log.Info().Str("eui", c.Gateway.EUI).Msg("Gateway EUI derived from network interface")
		}
	}
	if c.Gateway.Description == "" {
		c.Gateway.Description = "Single channel gateway"
	}
	if c.Gateway.Platform == "" {
		c.Gateway.Platform = "Single Channel Gateway"
	}
	if c.Gateway.StateFile == "" {
		c.Gateway.StateFile = "data/gateway-state.yml"
	}
}

func (c *Config) setRadioDefaults() {
	if c.Radio.Driver == "" {
		c.Radio.Driver = "sim"
	}
	if c.Radio.Region == "" {
		c.Radio.Region = "EU868"
	}
	if c.Radio.Frequency == 0 {
		if region, err := lorawan.GetRegionConfiguration(c.Radio.Region); err == nil {
			c.Radio.Frequency = region.DefaultFrequency
			if c.Radio.Channel != nil {
				// an undefined channel is reported by Validate
				c.Radio.Frequency, _ = region.UplinkChannelFrequency(*c.Radio.Channel)
			}
		}
	}
	if c.Radio.SpreadingFactor == 0 {
		c.Radio.SpreadingFactor = 8
	}
	if c.Radio.Bandwidth == 0 {
		c.Radio.Bandwidth = 125
	}
	if c.Radio.CodingRate == "" {
		c.Radio.CodingRate = "4/5"
	}
	if c.Radio.TxPower == 0 {
		c.Radio.TxPower = 14
	}
	if c.Radio.PreambleLength == 0 {
		c.Radio.PreambleLength = lorawan.DefaultPreambleLength
	}
	if c.Radio.TxLead == 0 {
		c.Radio.TxLead = 5 * time.Millisecond
	}
	if c.Radio.EventQueueSize == 0 {
		c.Radio.EventQueueSize = 32
	}
}

func (c *Config) setBackendDefaults() {
	b := &c.Backend
	if b.Server == "" {
		b.Server = "router.eu.thethings.network:1700"
	}
	if b.LocalBind == "" {
		b.LocalBind = "0.0.0.0:1700"
	}
	if b.ProtocolVersion == 0 {
		b.ProtocolVersion = 2
	}
	if b.PullInterval == 0 {
		b.PullInterval = 30 * time.Second
	}
	if b.StatInterval == 0 {
		b.StatInterval = 120 * time.Second
	}
	if b.RefreshInterval == 0 {
		b.RefreshInterval = 60 * time.Second
	}
	if b.UplinkTimeout == 0 {
		b.UplinkTimeout = 5 * time.Second
	}
	if b.WriteTimeout == 0 {
		b.WriteTimeout = 100 * time.Millisecond
	}
	if b.RecentTokens == 0 {
		b.RecentTokens = 16
	}
	if b.RX1Delay == 0 {
		b.RX1Delay = time.Second
	}
	if b.RX2Delay == 0 {
		b.RX2Delay = b.RX1Delay + time.Second
	}
	if b.JoinAcceptDelay1 == 0 {
		b.JoinAcceptDelay1 = 5 * time.Second
	}
	if b.JoinAcceptDelay2 == 0 {
		b.JoinAcceptDelay2 = b.JoinAcceptDelay1 + time.Second
	}
}

// Validate checks that the configuration describes a usable gateway
func (c *Config) Validate() error {
	if _, err := lorawan.ParseEUI64(c.Gateway.EUI); err != nil {
		return fmt.Errorf("gateway.eui: %w", err)
	}

	region, err := lorawan.GetRegionConfiguration(c.Radio.Region)
	if err != nil {
		return fmt.Errorf("radio.region: %w", err)
	}
	if c.Radio.Channel != nil {
		if _, err := region.UplinkChannelFrequency(*c.Radio.Channel); err != nil {
			return fmt.Errorf("radio.channel: %w", err)
		}
	}
	if !region.ValidFrequency(c.Radio.Frequency) {
		return fmt.Errorf("radio.frequency %d Hz outside %s band", c.Radio.Frequency, region.Name)
	}
	if _, err := c.Radio.DataRate(); err != nil {
		return fmt.Errorf("radio: %w", err)
	}
	if _, err := lorawan.ParseCodingRate(c.Radio.CodingRate); err != nil {
		return fmt.Errorf("radio.coding_rate: %w", err)
	}
	if c.Radio.TxPower > region.MaxTxPower {
		return fmt.Errorf("radio.tx_power %d dBm exceeds %s limit of %d dBm", c.Radio.TxPower, region.Name, region.MaxTxPower)
	}
	if c.Radio.MICCheck {
		if _, err := c.Radio.DeviceKeys(); err != nil {
			return fmt.Errorf("radio.devices: %w", err)
		}
	}

	b := c.Backend
	if b.ProtocolVersion != 1 && b.ProtocolVersion != 2 {
		return fmt.Errorf("backend.protocol_version must be 1 or 2, got %d", b.ProtocolVersion)
	}
	if b.PullInterval < 0 || b.StatInterval < 0 || b.RefreshInterval < 0 || b.UplinkTimeout < 0 {
		return errors.New("backend intervals must be positive")
	}
	if b.RX2Delay <= b.RX1Delay {
		return fmt.Errorf("backend.rx2_delay (%s) must be after rx1_delay (%s)", b.RX2Delay, b.RX1Delay)
	}
	if b.JoinAcceptDelay2 <= b.JoinAcceptDelay1 {
		return fmt.Errorf("backend.join_accept_delay2 (%s) must be after join_accept_delay1 (%s)", b.JoinAcceptDelay2, b.JoinAcceptDelay1)
	}
	if b.UplinkTimeout < b.RX2Delay {
		log.Warn().
			Dur("uplink_timeout", b.UplinkTimeout).
			Dur("rx2_delay", b.RX2Delay).
			Msg("Uplink timeout is shorter than RX2; late downlinks rely on the recent token ring")
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	return nil
}

// GatewayEUI returns the parsed gateway EUI
func (c *Config) GatewayEUI() lorawan.EUI64 {
	eui, _ := lorawan.ParseEUI64(c.Gateway.EUI)
	return eui
}

// DataRate returns the configured channel data rate
func (r RadioConfig) DataRate() (lorawan.DataRate, error) {
	dr := lorawan.DataRate{
		SpreadingFactor: lorawan.SpreadingFactor(r.SpreadingFactor),
		Bandwidth:       r.Bandwidth,
	}
	return lorawan.ParseDataRate(dr.String())
}

// DeviceKeys returns the configured network session keys by DevAddr
func (r RadioConfig) DeviceKeys() (map[lorawan.DevAddr]lorawan.AES128Key, error) {
	keys := make(map[lorawan.DevAddr]lorawan.AES128Key, len(r.Devices))
	for _, d := range r.Devices {
		addr, err := lorawan.ParseDevAddr(d.DevAddr)
		if err != nil {
			return nil, err
		}
		key, err := lorawan.ParseAES128Key(d.NwkSKey)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", addr, err)
		}
		keys[addr] = key
	}
	return keys, nil
}

// DeriveEUI builds a gateway EUI from the first hardware address found,
// inserting FFFE in the middle of the 48-bit MAC.
func DeriveEUI() (lorawan.EUI64, error) {
	var eui lorawan.EUI64

	ifaces, err := net.Interfaces()
	if err != nil {
		return eui, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		mac := iface.HardwareAddr
		if iface.Flags&net.FlagLoopback != 0 || len(mac) != 6 {
			continue
		}
		copy(eui[0:3], mac[0:3])
		eui[3], eui[4] = 0xFF, 0xFE
		copy(eui[5:8], mac[3:6])
		return eui, nil
	}
	return eui, errors.New("no hardware address available")
}

// PrintConfigSummary logs the effective configuration
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("eui", c.Gateway.EUI).
		Str("region", c.Radio.Region).
		Float64("frequency_mhz", float64(c.Radio.Frequency)/1000000).
		Int("sf", c.Radio.SpreadingFactor).
		Int("bw", c.Radio.Bandwidth).
		Bool("cad", c.Radio.CAD).
		Bool("strict", c.Radio.Strict).
		Bool("mic_check", c.Radio.MICCheck).
		Str("backend", c.Backend.Server).
		Int("protocol_version", c.Backend.ProtocolVersion).
		Dur("rx1_delay", c.Backend.RX1Delay).
		Dur("rx2_delay", c.Backend.RX2Delay).
		Msg("Gateway configuration")
}
