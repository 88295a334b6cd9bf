package kafka

import (
	"go.opentelemetry.io/otel/propagation"

	"github.com/IBM/sarama"
)

// RollEvent is the record published for every successful roll request.
type RollEvent struct {
	Rolls   int   `json:"rolls"`
	Results []int `json:"results"`
}

func injectHeaders(carrier propagation.MapCarrier, msg *sarama.ProducerMessage) {
	for key, value := range carrier {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}
}

func extractHeaders(headers []*sarama.RecordHeader) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		if h == nil {
			continue
		}
		carrier[string(h.Key)] = string(h.Value)
	}
	return carrier
}
