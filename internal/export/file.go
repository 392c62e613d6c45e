// Package export provides optional sinks a captured snapshot container can
// be shipped to, beyond the default local file: Kafka (grounded on the
// teacher's wrap/wrap.go sarama producer) and MQTT (grounded on the
// teacher's wrapper/connect.go paho client), alongside the always-available
// file sink.
package export

import (
	"fmt"
	"os"
)

// Sink accepts a fully serialized snapshot container.
type Sink interface {
	Send(name string, payload []byte) error
}

// FileSink writes each payload to dir/name, matching the teacher's
// straightforward local-file fallback when no remote backend is
// configured.
type FileSink struct {
	Dir string
}

// Send writes payload to Dir/name.
func (s FileSink) Send(name string, payload []byte) error {
	path := fmt.Sprintf("%s/%s", s.Dir, name)
	return os.WriteFile(path, payload, 0o644)
}
