// internal/publish/mqtt.go
package publish

import (
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

type MQTTConfig struct {
	Broker   string
	ClientID string
	QoS      byte
	Username string
	Password string
	Topics   Topics
}

// MQTTClient is the paho-backed Client. Subscriptions are remembered and
// replayed on every (re)connect; onConnect runs after that.
type MQTTClient struct {
	cfg MQTTConfig
	cli mqtt.Client

	mu   sync.Mutex
	subs map[string]func(topic, payload string)

	onConnect func()
}

// Dial connects to the broker. An empty client id gets a random one.
func Dial(cfg MQTTConfig, onConnect func()) (*MQTTClient, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "meterpoller-" + uuid.NewString()
	}

	c := &MQTTClient{
		cfg:       cfg,
		subs:      make(map[string]func(topic, payload string)),
		onConnect: onConnect,
	}

	online := cfg.Topics.Online(cfg.ClientID)

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetWill(online, "0", cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.OnConnect = func(client mqtt.Client) {
		log.Printf("mqtt connected (broker=%s client=%s)", cfg.Broker, cfg.ClientID)

		client.Publish(online, cfg.QoS, true, "1")
		c.resubscribe(client)

		if c.onConnect != nil {
			c.onConnect()
		}
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		log.Printf("mqtt connection lost (broker=%s): %v", cfg.Broker, err)
	}

	c.cli = mqtt.NewClient(opts)
	if token := c.cli.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", cfg.Broker, token.Error())
	}
	return c, nil
}

func (c *MQTTClient) Publish(topic string, retained bool, payload string) error {
	token := c.cli.Publish(topic, c.cfg.QoS, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: publish %s: timeout", topic)
	}
	return token.Error()
}

func (c *MQTTClient) Subscribe(topic string, handler func(topic, payload string)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	if !c.cli.IsConnectionOpen() {
		// replayed by OnConnect
		return nil
	}
	return c.subscribe(c.cli, topic, handler)
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler func(topic, payload string)) error {
	token := client.Subscribe(topic, c.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), string(m.Payload()))
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: subscribe %s: timeout", topic)
	}
	return token.Error()
}

func (c *MQTTClient) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]func(topic, payload string), len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	// OnConnect runs on the paho router goroutine, which must not block on
	// tokens.
	go func() {
		for topic, h := range subs {
			if err := c.subscribe(client, topic, h); err != nil {
				log.Printf("mqtt resubscribe failed (topic=%s): %v", topic, err)
			}
		}
	}()
}

// Close publishes the offline marker and disconnects.
func (c *MQTTClient) Close() {
	online := c.cfg.Topics.Online(c.cfg.ClientID)
	c.cli.Publish(online, c.cfg.QoS, true, "0").WaitTimeout(publishTimeout)
	c.cli.Disconnect(250)
}
