package export

import (
	"github.com/Shopify/sarama"
)

// KafkaSink ships snapshot containers to a Kafka topic, the same pattern
// the teacher's wrap/wrap.go uses to brand and publish Event/Profile
// objects: a sync producer, one message per payload, keyed by the chunk's
// logical name so consumers can tell snapshots apart.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink connects a synchronous producer to brokers, matching the
// teacher's connect() (TLS omitted here: funtrace's export sink talks to a
// broker on the same trust boundary as the instrumented process, rather
// than to a multi-tenant SaaS backend).
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.ClientID = "funtrace"

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// Send publishes payload under key name.
func (k *KafkaSink) Send(name string, payload []byte) error {
	_, _, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(name),
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Close releases the underlying producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}
