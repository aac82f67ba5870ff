// Package mqtt bridges the command protocol onto an MQTT broker. Command
// lines arrive on <prefix>/command, replies go to <prefix>/response, and
// every published status is kept retained on <prefix>/status.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/seedling-controller/internal/command"
	"github.com/thatsimonsguy/seedling-controller/internal/config"
	"github.com/thatsimonsguy/seedling-controller/internal/model"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	qos               = 1
)

// Submitter hands command text to the control loop.
type Submitter interface {
	Submit(ctx context.Context, text string) (command.Response, error)
}

type Topics struct {
	Prefix string
}

func (t Topics) Command() string  { return t.Prefix + "/command" }
func (t Topics) Response() string { return t.Prefix + "/response" }
func (t Topics) Status() string   { return t.Prefix + "/status" }
func (t Topics) Online() string   { return t.Prefix + "/online" }

type publishFunc func(topic string, retained bool, payload []byte) error

type Bridge struct {
	client  pahomqtt.Client
	topics  Topics
	queue   Submitter
	publish publishFunc
}

func buildClientOptions(cfg config.MQTT, topics Topics) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(topics.Online(), "offline", qos, true)
	return opts
}

// Connect dials the broker and subscribes to the command topic. The
// subscription is restored on every reconnect.
func Connect(cfg config.MQTT, queue Submitter) (*Bridge, error) {
	topics := Topics{Prefix: strings.TrimSuffix(cfg.TopicPrefix, "/")}
	b := &Bridge{topics: topics, queue: queue}

	opts := buildClientOptions(cfg, topics)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		c.Publish(topics.Online(), qos, true, "online")
		if t := c.Subscribe(topics.Command(), qos, b.onMessage); t.WaitTimeout(publishTimeout) && t.Error() != nil {
			log.Error().Err(t.Error()).Str("topic", topics.Command()).Msg("MQTT subscribe failed")
		}
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	b.client = pahomqtt.NewClient(opts)
	b.publish = b.clientPublish

	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", cfg.Broker, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return b, nil
}

func (b *Bridge) clientPublish(topic string, retained bool, payload []byte) error {
	t := b.client.Publish(topic, qos, retained, payload)
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return t.Error()
}

func (b *Bridge) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	// Submit blocks until the loop replies; keep the paho router free.
	go b.HandleCommand(context.Background(), msg.Payload())
}

// HandleCommand submits one command line and publishes the reply.
func (b *Bridge) HandleCommand(ctx context.Context, payload []byte) {
	text := strings.TrimSpace(string(payload))
	var reply string
	resp, err := b.queue.Submit(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("command", text).Msg("MQTT command not delivered")
		reply = "ERROR: " + err.Error()
	} else {
		reply = resp.String()
	}
	if err := b.publish(b.topics.Response(), false, []byte(reply)); err != nil {
		log.Warn().Err(err).Msg("MQTT response publish failed")
	}
}

// Run publishes each status from updates as the retained status message
// until ctx ends.
func (b *Bridge) Run(ctx context.Context, updates <-chan model.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			b.PublishStatus(st)
		}
	}
}

func (b *Bridge) PublishStatus(st model.Status) {
	payload, err := json.Marshal(st)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode status")
		return
	}
	if err := b.publish(b.topics.Status(), true, payload); err != nil {
		log.Warn().Err(err).Msg("MQTT status publish failed")
	}
}

func (b *Bridge) Close() {
	if b.client == nil {
		return
	}
	if b.client.IsConnected() {
		b.client.Publish(b.topics.Online(), qos, true, "offline").WaitTimeout(publishTimeout)
	}
	b.client.Disconnect(disconnectQuiesce)
}
