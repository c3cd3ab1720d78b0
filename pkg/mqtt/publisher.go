// Package mqtt publishes invoice summaries to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/energybill/pkg/billing"
	"github.com/raterudder/energybill/pkg/log"
)

const (
	qos          = 1
	tokenTimeout = 10 * time.Second
)

// client is the part of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher sends retained JSON summaries to
// {prefix}/{site}/{range}/invoice.
type Publisher struct {
	client client
	prefix string
}

// Config holds the broker settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

// Configured sets up the publisher from flags. Without a broker the
// publisher stays disabled.
func Configured() *Publisher {
	broker := lflag.String("mqtt-broker", "", "MQTT broker url, e.g. tcp://localhost:1883 (empty disables publishing)")
	clientID := lflag.String("mqtt-client-id", "energybill", "MQTT client id")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	prefix := lflag.String("mqtt-topic-prefix", "energybill", "Prefix of the published topics")

	p := &Publisher{}
	lflag.Do(func() {
		if *broker == "" {
			return
		}
		*p = *New(Config{
			Broker:   *broker,
			ClientID: *clientID,
			Username: *username,
			Password: *password,
			Prefix:   *prefix,
		})
	})
	return p
}

// New returns a publisher for the broker. Connect must be called before
// publishing.
func New(cfg Config) *Publisher {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = onConnect(cfg.Broker)
	opts.OnConnectionLost = onConnectionLost(cfg.Broker)
	return newWithClient(paho.NewClient(opts), cfg.Prefix)
}

// callbackLogger is resolved on every call since New runs before main
// installs the configured logger.
func callbackLogger() *slog.Logger {
	return log.Ctx(context.Background()).With(slog.String("module", "mqtt"))
}

func onConnect(broker string) paho.OnConnectHandler {
	return func(paho.Client) {
		callbackLogger().Info("mqtt connected", slog.String("broker", broker))
	}
}

func onConnectionLost(broker string) paho.ConnectionLostHandler {
	return func(_ paho.Client, err error) {
		callbackLogger().Warn("mqtt connection lost", slog.String("broker", broker), slog.Any("error", err))
	}
}

func newWithClient(c client, prefix string) *Publisher {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "energybill"
	}
	return &Publisher{client: c, prefix: prefix}
}

// Enabled returns true if a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.client != nil
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(tokenTimeout) {
		return fmt.Errorf("timed out after %s", tokenTimeout)
	}
	return t.Error()
}

// Connect connects to the broker. It is a no-op when disabled.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := wait(p.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to mqtt broker: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "mqtt publisher ready", slog.String("prefix", p.prefix))
	return nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.Enabled() {
		p.client.Disconnect(250)
	}
}

// Topic returns the topic a site's range summary is published to.
func (p *Publisher) Topic(siteID string, s billing.Summary) string {
	return p.prefix + "/" + siteID + "/" + string(s.Range) + "/invoice"
}

// Publish sends s as a retained message.
func (p *Publisher) Publish(ctx context.Context, siteID string, s billing.Summary) error {
	if !p.Enabled() {
		return nil
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	topic := p.Topic(siteID, s)
	if err := wait(p.client.Publish(topic, qos, true, payload)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}
