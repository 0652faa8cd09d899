package link

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	kafkago "github.com/segmentio/kafka-go"
)

// KafkaDialer writes records to Topic keyed by rider id. addr is a comma
// separated broker list.
type KafkaDialer struct {
	Topic string
}

func (d KafkaDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	brokers := strings.Split(addr, ",")
	// kafka-go conecta de forma perezosa; probamos el primer broker para fallar rápido
	probe, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka dial: %w", err)
	}
	_ = probe.Close()

	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        d.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireOne,
	}
	return &kafkaConn{w: w, done: make(chan struct{})}, nil
}

type kafkaConn struct {
	w        *kafkago.Writer
	done     chan struct{}
	doneOnce sync.Once
}

func (k *kafkaConn) Write(ctx context.Context, rec Record) error {
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(strconv.Itoa(rec.RiderID)),
		Value: payload,
	})
}

func (k *kafkaConn) Done() <-chan struct{} { return k.done }

func (k *kafkaConn) Close() error {
	k.doneOnce.Do(func() { close(k.done) })
	return k.w.Close()
}
