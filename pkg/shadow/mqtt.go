package shadow

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configure the broker subscription.
type MQTTOptions struct {
	BrokerURL string // e.g. "tcp://broker:1883" or "ssl://broker:8883"
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config

	// RepoID and AASID scope the topic filter:
	// twinops/{repo}/{aas}/{submodel}/{path...}
	RepoID string
	AASID  string

	// QoS is floored at 1: the shadow depends on at-least-once delivery
	// with the persistent session, so fire-and-forget is not offered.
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// Subscriber keeps the shadow current from broker deliveries. The session
// is persistent (CleanSession=false) so the broker queues QoS 1 messages
// across short disconnects; longer gaps are covered by the reconnect
// reseed.
type Subscriber struct {
	client mqtt.Client
	twin   *Twin
	opts   MQTTOptions
	log    *slog.Logger
	topic  string
}

// payload is the wire shape published per element. A bare JSON value is
// also accepted.
type payload struct {
	Value any     `json:"value"`
	TS    float64 `json:"ts,omitempty"`
}

// NewSubscriber builds the subscriber; Start connects.
func NewSubscriber(twin *Twin, opts MQTTOptions) *Subscriber {
	if opts.QoS < 1 {
		opts.QoS = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Subscriber{
		twin:  twin,
		opts:  opts,
		log:   opts.Logger,
		topic: fmt.Sprintf("twinops/%s/%s/#", opts.RepoID, opts.AASID),
	}
}

// Start connects to the broker, subscribes, and installs the reconnect
// handler. The first connection does not reseed; the caller seeds before
// starting the subscription.
func (s *Subscriber) Start(ctx context.Context) error {
	first := true

	co := mqtt.NewClientOptions().
		AddBroker(s.opts.BrokerURL).
		SetClientID(s.opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(true).
		SetConnectTimeout(s.opts.ConnectTimeout)
	if s.opts.Username != "" {
		co.SetUsername(s.opts.Username).SetPassword(s.opts.Password)
	}
	if s.opts.TLS != nil {
		co.SetTLSConfig(s.opts.TLS)
	}
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("mqtt connection lost", "error", err)
	})
	co.SetOnConnectHandler(func(c mqtt.Client) {
		if tok := c.Subscribe(s.topic, s.opts.QoS, s.handle); tok.Wait() && tok.Error() != nil {
			s.log.Error("mqtt subscribe failed", "topic", s.topic, "error", tok.Error())
			return
		}
		if first {
			first = false
			s.log.Info("mqtt connected", "topic", s.topic)
			return
		}
		// Reconnected: deliveries may have been dropped while away, so the
		// shadow must be rebuilt from a snapshot before it is trusted again.
		s.log.Info("mqtt reconnected, reseeding shadow")
		go func() {
			rctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.twin.Seed(rctx); err != nil {
				s.log.Error("post-reconnect reseed failed", "error", err)
			}
		}()
	})

	s.client = mqtt.NewClient(co)
	tok := s.client.Connect()
	if !tok.WaitTimeout(s.opts.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", s.opts.BrokerURL)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.opts.BrokerURL, err)
	}
	return nil
}

// handle parses one delivery into a shadow update.
// Topic layout: twinops/{repo}/{aas}/{submodel}/{path...}; the path may
// contain further slashes for nested elements.
func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.SplitN(msg.Topic(), "/", 5)
	if len(parts) < 5 || parts[3] == "" || parts[4] == "" {
		s.log.Warn("mqtt message on unrecognized topic", "topic", msg.Topic())
		return
	}
	submodel, path := decodeTopicID(parts[3]), parts[4]

	var p payload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil || p.Value == nil {
		// Fall back to treating the whole payload as the value.
		var v any
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			s.log.Warn("mqtt payload is not JSON, ignored",
				"topic", msg.Topic(), "error", err)
			return
		}
		p = payload{Value: v}
	}

	s.twin.Apply(Update{
		Submodel: submodel,
		Path:     path,
		Value:    p.Value,
		BrokerTS: p.TS,
	})
}

// decodeTopicID undoes the base64url-without-padding encoding BaSyx
// applies to identifiers in topic segments. Segments that do not decode
// to printable text are taken literally.
func decodeTopicID(seg string) string {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return seg
	}
	if !utf8.Valid(b) {
		return seg
	}
	for _, r := range string(b) {
		if r < 0x20 {
			return seg
		}
	}
	return string(b)
}

// Close disconnects, allowing in-flight handlers to finish.
func (s *Subscriber) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}
