package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/mailroom/internal/business"
	"github.com/nugget/mailroom/internal/config"
	"github.com/nugget/mailroom/internal/events"
)

// busBuffer is the bus subscription depth. Events beyond it are
// dropped by the bus and counted.
const busBuffer = 64

// Publisher owns the broker connection. It publishes bus events and,
// when a sink is attached, consumes send events.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	bus      *events.Bus
	sink     SendEventSink
	limiter  *messageRateLimiter
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding events.
func New(cfg config.MQTTConfig, clientID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	logger = logger.With("component", "mqtt")
	perMinute := int64(cfg.MaxInboundPerMinute)
	if perMinute <= 0 {
		perMinute = 600
	}
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		bus:      bus,
		limiter:  newMessageRateLimiter(perMinute, time.Minute, logger),
		logger:   logger,
	}
}

// SetSendEventSink attaches the consumer for inbound send events. It
// must be called before Start; inbound subscription also requires
// SubscribeSendEvents in the config.
func (p *Publisher) SetSendEventSink(sink SendEventSink) {
	p.sink = sink
}

// Start connects to the broker and forwards bus events until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so nothing published during the
	// initial connection wait is lost.
	ch := p.bus.Subscribe(busBuffer)
	defer p.bus.Unsubscribe(ch)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.forward(ctx, ch)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topics ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventTopic(businessID, kind string) string {
	return p.cfg.TopicPrefix + "/" + businessID + "/" + kind
}

func (p *Publisher) sendEventFilter() string {
	return p.cfg.TopicPrefix + "/+/" + sendEventsSuffix
}

// businessFromTopic extracts the business segment from a
// <prefix>/<business>/send_events topic. The segment must be a valid
// business id.
func (p *Publisher) businessFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	biz, suffix, ok := strings.Cut(rest, "/")
	if !ok || suffix != sendEventsSuffix || !business.ValidID(biz) {
		return "", false
	}
	return biz, true
}

// --- Outbound ---

func (p *Publisher) forward(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, e)
		}
	}
}

// message builds the broker publish for e.
func (p *Publisher) message(e events.Event) (*paho.Publish, error) {
	if e.BusinessID == "" {
		return nil, fmt.Errorf("event %s/%s has no business id", e.Source, e.Kind)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Kind, err)
	}
	return &paho.Publish{
		Topic:   p.eventTopic(e.BusinessID, e.Kind),
		Payload: payload,
		QoS:     1,
		Retain:  e.Retain,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}, nil
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	msg, err := p.message(e)
	if err != nil {
		p.logger.Error("mqtt event not publishable", "error", err)
		return
	}
	if e.Kind == events.KindDataErased {
		p.clearRetained(ctx, e.BusinessID)
	}
	if _, err := p.cm.Publish(ctx, msg); err != nil {
		p.logger.Warn("mqtt event publish failed",
			"topic", msg.Topic, "business_id", e.BusinessID, "error", err)
		return
	}
	p.logger.Debug("mqtt event published",
		"topic", msg.Topic, "retain", msg.Retain, "payload_size", len(msg.Payload))
}

// erasedKinds are the retained snapshots holding learned data.
var erasedKinds = []string{events.KindProfileRefined, events.KindPromptCompiled}

// clearRetained removes the broker's retained copies of a business's
// learned data. An empty retained payload deletes the retained message.
func (p *Publisher) clearRetained(ctx context.Context, businessID string) {
	for _, kind := range erasedKinds {
		topic := p.eventTopic(businessID, kind)
		if _, err := p.cm.Publish(ctx, &paho.Publish{Topic: topic, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt retained clear failed", "topic", topic, "error", err)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Inbound ---

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.cfg.SubscribeSendEvents || p.sink == nil {
		return
	}
	filter := p.sendEventFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "filter", filter, "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "filter", filter)
}

func (p *Publisher) onMessage(ctx context.Context, topic string, payload []byte) {
	if !p.limiter.allow() {
		return
	}
	if err := p.handleSendEvent(ctx, topic, payload); err != nil {
		p.logger.Warn("send event rejected", "topic", topic, "error", err)
	}
}
