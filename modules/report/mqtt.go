package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("report: mqtt not connected")

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string // host:port
	ClientID string

	// TopicPrefix roots every topic:
	//   {prefix}/{participant}/trial    retained, on Begin
	//   {prefix}/{participant}/frames   QoS 0, one message per record
	//   {prefix}/{participant}/summary  QoS 1, on End
	TopicPrefix string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTStats is a snapshot of publish counters.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
}

// MQTTSink streams trial data to an MQTT broker.
//
// Frames are published fire-and-forget so a slow broker never stalls the
// analyzer; trial and summary messages wait for the broker acknowledgement.
type MQTTSink struct {
	cfg    MQTTConfig
	client mqtt.Client

	mu        sync.RWMutex
	connected bool
	trial     *Trial

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTSink creates an unconnected sink. Call Connect before Begin.
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "fatigue"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &MQTTSink{cfg: cfg}
}

// Connect dials the broker. The client reconnects on its own afterwards.
func (s *MQTTSink) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		s.setConnected(true)
		slog.Info("report: mqtt connected", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.setConnected(false)
		slog.Warn("report: mqtt connection lost, will auto-reconnect", "broker", s.cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-time.After(s.cfg.ConnectTimeout):
		return fmt.Errorf("report: mqtt connect to %s: timeout", s.cfg.Broker)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("report: mqtt connect to %s: %w", s.cfg.Broker, err)
	}

	s.attach(client)
	return nil
}

// attach installs a connected client.
func (s *MQTTSink) attach(client mqtt.Client) {
	s.mu.Lock()
	s.client = client
	s.connected = client.IsConnected()
	s.mu.Unlock()
}

func (s *MQTTSink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *MQTTSink) topic(participant, kind string) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.TopicPrefix, sanitize(participant), kind)
}

func (s *MQTTSink) Begin(trial Trial) error {
	s.mu.Lock()
	s.trial = &trial
	s.mu.Unlock()

	return s.publishWait(s.topic(trial.Participant, "trial"), 1, true, NewTrialPayload(trial))
}

func (s *MQTTSink) WriteFrame(rec fatigue.Record) error {
	s.mu.RLock()
	client, connected, trial := s.client, s.connected, s.trial
	s.mu.RUnlock()

	if trial == nil {
		return ErrNoTrial
	}
	if !connected || client == nil {
		s.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(NewFramePayload(rec))
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("report: marshal frame: %w", err)
	}
	client.Publish(s.topic(trial.Participant, "frames"), 0, false, payload)
	s.published.Add(1)
	return nil
}

func (s *MQTTSink) WriteSummary(sum Summary) error {
	s.mu.Lock()
	trial := s.trial
	s.trial = nil
	s.mu.Unlock()

	if trial == nil {
		return ErrNoTrial
	}
	return s.publishWait(s.topic(sum.Participant, "summary"), 1, false, NewSummaryPayload(sum))
}

func (s *MQTTSink) publishWait(topic string, qos byte, retained bool, v any) error {
	s.mu.RLock()
	client, connected := s.client, s.connected
	s.mu.RUnlock()

	if !connected || client == nil {
		s.errors.Add(1)
		return ErrNotConnected
	}

	payload, err := json.Marshal(v)
	if err != nil {
		s.errors.Add(1)
		return fmt.Errorf("report: marshal %s: %w", topic, err)
	}

	token := client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.errors.Add(1)
		return fmt.Errorf("report: publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("report: publish %s: %w", topic, err)
	}

	s.published.Add(1)
	slog.Debug("report: mqtt published", "topic", topic, "size", len(payload))
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.connected = false
	s.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		slog.Info("report: mqtt disconnected")
	}
	return nil
}

func (s *MQTTSink) Stats() MQTTStats {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return MQTTStats{
		Connected: connected,
		Published: s.published.Load(),
		Errors:    s.errors.Load(),
	}
}
