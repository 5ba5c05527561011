package broker

import (
	"fmt"
	"log/slog"

	"github.com/darkden-lab/notifier/internal/config"
)

// NewDialer returns the Dialer selected by cfg.Broker. The memory broker is
// returned as well so callers can reuse it in-process (publisher and
// consumer in one binary).
func NewDialer(cfg *config.Config, log *slog.Logger) (Dialer, *MemoryBroker, error) {
	switch cfg.Broker {
	case config.BrokerKafka:
		t, err := NewKafkaTransport(KafkaConfig{
			Brokers:       cfg.KafkaBrokerList(),
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using Kafka broker", "brokers", cfg.KafkaBrokerList(), "group", cfg.KafkaConsumerGroup)
		return t.Dial, nil, nil

	case config.BrokerAMQP:
		t, err := NewAMQPTransport(AMQPConfig{URL: cfg.RabbitMQURL})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using RabbitMQ broker")
		return t.Dial, nil, nil

	case config.BrokerMemory:
		log.Warn("using in-memory broker; messages do not survive a restart")
		mb := NewMemoryBroker()
		return mb.Dial, mb, nil

	default:
		return nil, nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}
