package kafka

import (
	"github.com/philBram/grafana-test/config"
	"github.com/philBram/grafana-test/logger"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

var (
	ProtocolVersion = sarama.V3_6_0_0
)

// NewProducer connects an async producer to the configured brokers. Both
// successes and errors are returned and must be drained, see Publisher.
func NewProducer(conf config.KafkaConfig) (sarama.AsyncProducer, error) {
	log := logger.Get()

	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = ProtocolVersion
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewAsyncProducer(conf.Brokers, saramaConfig)
	if err != nil {
		log.Error("failed to create producer", zap.Error(err))
		return nil, err
	}
	return producer, nil
}
