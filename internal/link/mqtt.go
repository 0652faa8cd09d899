package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type MQTTDialer struct {
	Topic    string
	ClientID string
}

func (d MQTTDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	mc := &mqttConn{topic: d.Topic, done: make(chan struct{})}
	clientID := d.ClientID
	if clientID == "" {
		clientID = "trackagent-" + uuid.NewString()[:8]
	}
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, _ error) { mc.markDone() })

	mc.client = mqtt.NewClient(opts)
	token := mc.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		mc.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		mc.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return mc, nil
}

type mqttConn struct {
	client   mqtt.Client
	topic    string
	done     chan struct{}
	doneOnce sync.Once
}

func (m *mqttConn) markDone() { m.doneOnce.Do(func() { close(m.done) }) }

func (m *mqttConn) Write(ctx context.Context, rec Record) error {
	if !m.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mqttConn) Done() <-chan struct{} { return m.done }

func (m *mqttConn) Close() error {
	m.client.Disconnect(250)
	m.markDone()
	return nil
}
