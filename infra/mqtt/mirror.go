// Package mqtt mirrors run and dispatch events onto an MQTT broker so
// downstream dashboards and automations can follow the orchestrator live.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/repository"
	"github.com/hemsd/hemsd/infra/logger"
	"github.com/hemsd/hemsd/internal/eventbus"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
	Retain      bool   `json:"retain"`
	UseTLS      bool   `json:"use_tls"`
	ClientCert  string `json:"client_cert"`
	ClientKey   string `json:"client_key"`
	CABundle    string `json:"ca_bundle"`
	// PowerTopic, when set, is subscribed for grid-import readings in watts.
	// Payloads are either a bare number or {"watts": ..., "measured_at": ...}.
	PowerTopic string `json:"power_topic"`

	TLSConfig *tls.Config `json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Mirror subscribes to the event bus and republishes every event as JSON on
// <prefix>/runs and <prefix>/dispatch.
type Mirror struct {
	cli    pahoClient
	bus    eventbus.EventBus
	sub    <-chan eventbus.Event
	prefix string
	qos    byte
	retain bool
	power  repository.PowerSampleWriter
	log    logger.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMirror connects to the broker and starts mirroring events until Close.
// When cfg.PowerTopic is set and power is non-nil, readings published there
// are recorded for the grid-charge guard.
func NewMirror(cfg Config, bus eventbus.EventBus, power repository.PowerSampleWriter) (*Mirror, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.New("mqtt_mirror")

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "hemsd"
	}
	m := &Mirror{
		bus:    bus,
		prefix: prefix,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		power:  power,
		log:    log,
	}

	opts.OnConnect = func(c paho.Client) {
		log.Infof("MQTT connected")
		if cfg.PowerTopic == "" || power == nil {
			return
		}
		if token := c.Subscribe(cfg.PowerTopic, cfg.QoS, m.onPowerSample); token.Wait() && token.Error() != nil {
			log.Errorf("subscribe %s: %v", cfg.PowerTopic, token.Error())
		}
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}
	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	m.cli = c
	m.sub = bus.Subscribe()
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hemsd"
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(clientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (m *Mirror) loop() {
	defer m.wg.Done()
	for ev := range m.sub {
		switch e := ev.(type) {
		case eventbus.RunEvent:
			m.publish(m.prefix+"/runs", e)
		case eventbus.DispatchEvent:
			m.publish(m.prefix+"/dispatch", e)
		}
	}
}

func (m *Mirror) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Errorf("encode %s payload: %v", topic, err)
		return
	}
	token := m.cli.Publish(topic, m.qos, m.retain, data)
	token.Wait()
	if err := token.Error(); err != nil {
		m.log.Errorf("publish %s: %v", topic, err)
		return
	}
	m.log.Debugf("published event to %s", topic)
}

func (m *Mirror) onPowerSample(_ paho.Client, msg paho.Message) {
	sample, err := parsePowerPayload(msg.Payload())
	if err != nil {
		m.log.Warnf("discard power reading: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.power.Add(ctx, sample); err != nil {
		m.log.Errorf("store power reading: %v", err)
	}
}

func parsePowerPayload(data []byte) (model.PowerSample, error) {
	trimmed := strings.TrimSpace(string(data))
	if watts, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return model.PowerSample{Watts: watts, MeasuredAt: time.Now().UTC()}, nil
	}
	var body struct {
		Watts      *float64   `json:"watts"`
		Power      *float64   `json:"power"`
		MeasuredAt *time.Time `json:"measured_at"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return model.PowerSample{}, fmt.Errorf("payload %q is neither a number nor JSON", trimmed)
	}
	watts := body.Watts
	if watts == nil {
		watts = body.Power
	}
	if watts == nil {
		return model.PowerSample{}, fmt.Errorf("payload has no watts field")
	}
	sample := model.PowerSample{Watts: *watts, MeasuredAt: time.Now().UTC()}
	if body.MeasuredAt != nil {
		sample.MeasuredAt = body.MeasuredAt.UTC()
	}
	return sample, nil
}

// Close stops mirroring and disconnects from the broker.
func (m *Mirror) Close() {
	m.stopOnce.Do(func() {
		m.bus.Unsubscribe(m.sub)
		m.wg.Wait()
		m.cli.Disconnect(250)
	})
}
