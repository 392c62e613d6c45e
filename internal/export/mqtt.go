package export

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTSink mirrors the teacher's wrapper/connect.go MQTT client, repurposed
// from "publish device telemetry" to two jobs: publishing snapshot
// containers under a per-name topic, and subscribing to a remote
// "snapshot now" control topic that mirrors the SIGTRAP surface of
// spec.md §6 for hosts where sending a local signal isn't convenient.
type MQTTSink struct {
	client mqtt.Client
	prefix string
}

// NewMQTTSink connects to broker (e.g. "tcp://localhost:1883") and returns
// a sink publishing under prefix/<name>.
func NewMQTTSink(broker, prefix string) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("funtrace")
	client := mqtt.NewClient(opts)
	if tok := client.Connect(); tok.WaitTimeout(10*time.Second) && tok.Error() != nil {
		return nil, tok.Error()
	}
	return &MQTTSink{client: client, prefix: prefix}, nil
}

// Send publishes payload under prefix/name at QoS 1.
func (m *MQTTSink) Send(name string, payload []byte) error {
	topic := fmt.Sprintf("%s/%s", m.prefix, name)
	tok := m.client.Publish(topic, 1, false, payload)
	tok.Wait()
	return tok.Error()
}

// SubscribeSnapshotRequests calls onRequest whenever a message arrives on
// prefix/snapshot-request, the remote equivalent of spec.md's SIGTRAP
// surface.
func (m *MQTTSink) SubscribeSnapshotRequests(onRequest func()) error {
	topic := fmt.Sprintf("%s/snapshot-request", m.prefix)
	tok := m.client.Subscribe(topic, 1, func(mqtt.Client, mqtt.Message) {
		onRequest()
	})
	tok.Wait()
	return tok.Error()
}

// Close disconnects the client.
func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}
