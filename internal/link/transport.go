package link

import (
	"fmt"
	"log/slog"
)

// NewDialer picks the transport by name: "tcp", "grpc", "mqtt" or "kafka".
func NewDialer(transport, topic string, logger *slog.Logger) (Dialer, error) {
	switch transport {
	case "", "tcp":
		return TCPDialer{Logger: logger}, nil
	case "grpc":
		return GRPCDialer{}, nil
	case "mqtt":
		return MQTTDialer{Topic: topic}, nil
	case "kafka":
		return KafkaDialer{Topic: topic}, nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", transport)
	}
}
