// Package livefeed publishes live walk locations to an MQTT broker so that
// owners can follow a walk as it happens.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend-pawwalk/internal/tracking"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	qosAtLeastOnce  = 1
	disconnectQuiet = 250
)

// Topic is the MQTT topic carrying locations of one walk.
func Topic(walkID string) string {
	return "walks/" + walkID + "/location"
}

type message struct {
	WalkID string            `json:"walk_id"`
	Sample tracking.Position `json:"sample"`
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	client     publisher
	disconnect func()
	log        *zap.Logger
}

// Connect dials the broker. Reconnects are handled by the client.
func Connect(broker, clientID string, log *zap.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	p := newPublisher(client, log)
	p.disconnect = func() { client.Disconnect(disconnectQuiet) }
	return p, nil
}

func newPublisher(client publisher, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, log: log}
}

func (p *Publisher) PublishLocation(ctx context.Context, walkID string, sample tracking.Position) error {
	payload, err := json.Marshal(message{WalkID: walkID, Sample: sample})
	if err != nil {
		return err
	}
	topic := Topic(walkID)
	token := p.client.Publish(topic, qosAtLeastOnce, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.log.Debug("location published", zap.String("topic", topic))
	return nil
}

func (p *Publisher) Close() {
	if p.disconnect != nil {
		p.disconnect()
	}
}
