package display

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig holds broker settings for the MQTT sink.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Topic    string // base topic; /text, /plot and /status are appended
}

// publisher is the part of mqtt.Client the sink needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes display notifications as JSON messages.
type MQTTSink struct {
	client publisher
	topic  string
	close  func()
}

type mqttSample struct {
	Pulse  float64 `json:"pulse"`
	DRO    float64 `json:"dro"`
	Bounds *Bounds `json:"bounds,omitempty"`
	Stamp  int64   `json:"stamp"`
}

type mqttStatus struct {
	Message string `json:"message"`
	Stamp   int64  `json:"stamp"`
}

// NewMQTTSink connects to the broker. The client reconnects on its own after
// the first successful connection.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Printf("[mqtt] connected to %s", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	s := newMQTTSink(client, cfg.Topic)
	s.close = func() { client.Disconnect(250) }
	return s, nil
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() {
	if m.close != nil {
		m.close()
	}
}

func newMQTTSink(p publisher, topic string) *MQTTSink {
	if topic == "" {
		topic = "drostage"
	}
	return &MQTTSink{client: p, topic: topic}
}

func (m *MQTTSink) publish(sub string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	tok := m.client.Publish(m.topic+"/"+sub, 0, false, data)
	go func() {
		if tok.WaitTimeout(5*time.Second) && tok.Error() != nil {
			log.Printf("[mqtt] publish %s/%s: %v", m.topic, sub, tok.Error())
		}
	}()
}

func (m *MQTTSink) UpdateText(pulse, dro float64) {
	m.publish("text", mqttSample{Pulse: pulse, DRO: dro, Stamp: time.Now().UnixMilli()})
}

func (m *MQTTSink) UpdatePlot(pulse, dro float64, b Bounds) {
	m.publish("plot", mqttSample{Pulse: pulse, DRO: dro, Bounds: &b, Stamp: time.Now().UnixMilli()})
}

func (m *MQTTSink) Write(msg string) {
	m.publish("status", mqttStatus{Message: msg, Stamp: time.Now().UnixMilli()})
}
