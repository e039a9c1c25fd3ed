package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/evchat/internal/charging"
	"github.com/nugget/evchat/internal/config"
)

// ErrNotConnected is returned when publishing before Start.
var ErrNotConnected = errors.New("mqtt publisher not started")

// publishClient is the part of the connection manager the publisher uses.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the broker connection and publishes reservation
// events, availability and usage statistics.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	usage    *DailyUsage
	logger   *slog.Logger

	mu     sync.RWMutex
	client publishClient
	cm     *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. usage may be nil, in
// which case no statistics are published.
func New(cfg config.MQTTConfig, clientID string, usage *DailyUsage, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:      cfg,
		clientID: clientID,
		usage:    usage,
		logger:   logger,
	}
}

// Start connects to the broker and runs the statistics loop. It blocks
// until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	statusTopic := p.statusTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			p.publishStatus(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.client = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishStatus(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as the health probe for the broker.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return ErrNotConnected
	}
	return cm.AwaitConnection(ctx)
}

// ReservationCreated publishes r to the user's reservation topic at QoS 1.
func (p *Publisher) ReservationCreated(ctx context.Context, r charging.Reservation) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}

	topic := p.reservationTopic(r.UserID)
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
		},
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	if p.usage != nil {
		p.usage.OnReservation()
	}
	p.logger.Debug("reservation published", "topic", topic, "session_id", r.SessionID)
	return nil
}

func (p *Publisher) statusTopic() string {
	return p.cfg.TopicPrefix + "/status"
}

func (p *Publisher) statsTopic() string {
	return p.cfg.TopicPrefix + "/stats"
}

// reservationTopic escapes MQTT wildcard and level characters in userID
// so one user can never publish into another user's subtree.
func (p *Publisher) reservationTopic(userID string) string {
	return p.cfg.TopicPrefix + "/reservations/" + topicSafe.Replace(userID)
}

var topicSafe = strings.NewReplacer("/", "_", "+", "_", "#", "_")

func (p *Publisher) publishStatus(ctx context.Context, client publishClient, status string) {
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt status published", "status", status)
	}
}

func (p *Publisher) runLoop(ctx context.Context) {
	if p.usage == nil {
		<-ctx.Done()
		return
	}

	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Publisher) publishStats(ctx context.Context) {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil || p.usage == nil {
		return
	}

	payload, err := json.Marshal(p.usage.Snapshot())
	if err != nil {
		p.logger.Error("mqtt encode stats", "error", err)
		return
	}
	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
	}
}
