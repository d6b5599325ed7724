package services

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dormwatch/dorm-power/backend/models"
)

// MQTTSettings is the broker configuration read from settings. An empty
// Broker disables publishing.
type MQTTSettings struct {
	Broker      string
	TopicPrefix string
	Username    string
	Password    string
}

// MQTTConfigSource yields the current broker settings.
type MQTTConfigSource interface {
	MQTTSettings() MQTTSettings
}

// MQTTPublisher pushes each cycle's merged rooms to an MQTT broker as
// retained per-room JSON messages, for home-automation consumers.
type MQTTPublisher struct {
	store MQTTConfigSource

	mu     sync.Mutex
	client mqtt.Client
	broker string
}

func NewMQTTPublisher(store MQTTConfigSource) *MQTTPublisher {
	return &MQTTPublisher{store: store}
}

// connected returns a live client for the configured broker, reconnecting
// when the broker address changed. Returns nil when publishing is disabled
// or the broker is unreachable.
func (p *MQTTPublisher) connected(cfg MQTTSettings) mqtt.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg.Broker == "" {
		if p.client != nil {
			p.client.Disconnect(250)
			p.client = nil
			p.broker = ""
		}
		return nil
	}

	if p.client != nil && p.broker == cfg.Broker && p.client.IsConnected() {
		return p.client
	}
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("dorm-power-monitor").
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Printf("[MQTT] Connect to %s timed out", cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		log.Printf("[MQTT] Connect to %s failed: %v", cfg.Broker, err)
		return nil
	}

	log.Printf("[MQTT] Connected to %s", cfg.Broker)
	p.client = client
	p.broker = cfg.Broker
	return client
}

// PublishRooms implements RoomPublisher. Inert when no broker is configured.
func (p *MQTTPublisher) PublishRooms(rooms []models.RoomRecord) {
	cfg := p.store.MQTTSettings()
	client := p.connected(cfg)
	if client == nil {
		return
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "dorm-power"
	}

	for _, room := range rooms {
		payload, err := json.Marshal(room)
		if err != nil {
			continue
		}
		topic := prefix + "/" + sanitizeTopic(room.Room)
		token := client.Publish(topic, 0, true, payload)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Publish to %s failed: %v", topic, token.Error())
		}
	}
}

func (p *MQTTPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
}

// sanitizeTopic strips MQTT topic metacharacters from a room name.
func sanitizeTopic(room string) string {
	replacer := strings.NewReplacer("/", "_", "#", "_", "+", "_")
	return replacer.Replace(strings.TrimSpace(room))
}
