package scene

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PairEvent is the MQTT payload for one completed pair
type PairEvent struct {
	RunID          string    `json:"runId"`
	S              int       `json:"s"`
	T              int       `json:"t"`
	Kind           string    `json:"kind"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Overlap        float64   `json:"overlap,omitempty"`
	ElapsedMs      int64     `json:"elapsedMs"`
	Transformation []float64 `json:"transformation,omitempty"` // column-major 4x4
	Timestamp      int64     `json:"timestamp"`
}

// Publisher sends run progress to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
}

// NewPublisher creates a publisher. If client is nil, publishing is
// disabled. MQTT_PUBLISH_PREFIX overrides prefix; the default is "fragmesh".
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "fragmesh"
	}
	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
	}
}

// Enabled reports whether a client is attached
func (p *Publisher) Enabled() bool {
	return p != nil && p.client != nil
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// PairTopic returns the topic for a pair event: {prefix}/pairs/{s}_{t}
func (p *Publisher) PairTopic(key PairKey) string {
	return fmt.Sprintf("%s/pairs/%d_%d", p.publishPrefix, key.S, key.T)
}

// SummaryTopic returns the retained run summary topic
func (p *Publisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

// RunTopic is the command topic that requests a new run
func (p *Publisher) RunTopic() string {
	return p.publishPrefix + "/run"
}

// PublishPair publishes the outcome of one pair
func (p *Publisher) PublishPair(runID string, r MatchingResult) error {
	event := PairEvent{
		RunID:     runID,
		S:         r.Key.S,
		T:         r.Key.T,
		Kind:      r.Key.Kind(),
		Success:   r.Success(),
		ElapsedMs: r.Elapsed.Milliseconds(),
		Timestamp: time.Now().Unix(),
	}
	if r.Success() {
		event.Overlap = r.Edge.Overlap
		event.Transformation = r.Edge.Transformation.ColumnMajor()
	} else if r.Err != nil {
		event.Error = r.Err.Error()
	}
	return p.publish(p.PairTopic(r.Key), event, false)
}

// PublishSummary publishes the retained run summary
func (p *Publisher) PublishSummary(s *Summary) error {
	if err := p.publish(p.SummaryTopic(), s, true); err != nil {
		return err
	}
	log.Printf("[MQTT] Published summary for run %s to %s", s.RunID, p.SummaryTopic())
	return nil
}

// SubscribeRuns calls trigger whenever a message arrives on RunTopic
func (p *Publisher) SubscribeRuns(trigger func()) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	token := p.client.Subscribe(p.RunTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		log.Printf("[MQTT] Run requested via %s", msg.Topic())
		trigger()
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribing to %s: %w", p.RunTopic(), token.Error())
	}
	return nil
}

func (p *Publisher) publish(topic string, v interface{}, retain bool) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}
