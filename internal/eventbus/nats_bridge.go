package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/ts-utm/internal/metrics"
)

// Conn is the subset of *nats.Conn the bridge needs.
type Conn interface {
	Publish(subj string, data []byte) error
}

// NATSBridge forwards bus events to NATS so external collaborators
// (notification, vehicle link, blackbox recorder) can consume them.
type NATSBridge struct {
	conn       Conn
	prefix     string
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

func NewNATSBridge(conn Conn, prefix string, maxRetries int, log *zap.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "utm"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSBridge{
		conn:       conn,
		prefix:     prefix,
		maxRetries: maxRetries,
		backoff:    100 * time.Millisecond,
		log:        log,
	}
}

// Subject maps a bus event to its NATS subject. Drone commands are addressed per vehicle.
func (b *NATSBridge) Subject(evt Event) string {
	if evt.Topic == TopicDroneCommand {
		if cmd, ok := evt.Payload.(DroneCommand); ok {
			return fmt.Sprintf("%s.drones.%s.command", b.prefix, cmd.DroneID)
		}
	}
	return b.prefix + "." + string(evt.Topic)
}

// Forward is registered with Bus.SubscribeAll.
func (b *NATSBridge) Forward(_ context.Context, evt Event) {
	if err := b.Publish(evt); err != nil {
		metrics.BridgePublishFailures.WithLabelValues(string(evt.Topic)).Inc()
		b.log.Error("nats bridge publish failed",
			zap.String("topic", string(evt.Topic)),
			zap.String("event_id", evt.ID.String()),
			zap.Error(err),
		)
	}
}

func (b *NATSBridge) Publish(evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := b.Subject(evt)
	for i := 0; i <= b.maxRetries; i++ {
		err = b.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i) * b.backoff)
	}

	return fmt.Errorf("publish failed after %d retries: %w", b.maxRetries, err)
}
