package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-utm/internal/data"
	"github.com/technosupport/ts-utm/internal/eventbus"
)

// Completion waits for a commanded action to finish. Prepare runs before the
// command is sent so an acknowledgment cannot be missed.
type Completion interface {
	Prepare(ctx context.Context, cmd eventbus.DroneCommand) (wait func(context.Context) error, err error)
}

var simulatedDurations = map[data.ResponseAction]time.Duration{
	data.ActionEStop:   500 * time.Millisecond,
	data.ActionHover:   1 * time.Second,
	data.ActionClimb:   2 * time.Second,
	data.ActionDescend: 3 * time.Second,
	data.ActionLand:    5 * time.Second,
	data.ActionDivert:  8 * time.Second,
	data.ActionRTH:     10 * time.Second,
	data.ActionNone:    0,
}

// SimulatedCompletion stands in for vehicle acknowledgment with a fixed delay
// per action. Scale shortens the delays for demos and tests; zero means 1.
type SimulatedCompletion struct {
	Scale float64
}

func SimulatedDuration(action data.ResponseAction) time.Duration {
	return simulatedDurations[action]
}

func (s SimulatedCompletion) Prepare(_ context.Context, cmd eventbus.DroneCommand) (func(context.Context) error, error) {
	d := simulatedDurations[cmd.Command]
	if s.Scale > 0 {
		d = time.Duration(float64(d) * s.Scale)
	}
	return func(ctx context.Context) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}, nil
}

// Ack is what the vehicle link sends back once a command has finished.
type Ack struct {
	IncidentID string `json:"incidentId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// AckSubscriber opens a one-shot subscription for an acknowledgment subject.
type AckSubscriber interface {
	SubscribeAck(subject string) (AckWaiter, error)
}

type AckWaiter interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

var ErrAckTimeout = errors.New("no acknowledgment from drone")

// AckCompletion waits for `<prefix>.drones.<droneId>.ack.<incidentId>`,
// bounded by Timeout.
type AckCompletion struct {
	subs    AckSubscriber
	prefix  string
	timeout time.Duration
}

func NewAckCompletion(subs AckSubscriber, prefix string, timeout time.Duration) *AckCompletion {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AckCompletion{subs: subs, prefix: prefix, timeout: timeout}
}

func AckSubject(prefix, droneID, incidentID string) string {
	return fmt.Sprintf("%s.drones.%s.ack.%s", prefix, droneID, incidentID)
}

func (a *AckCompletion) Prepare(_ context.Context, cmd eventbus.DroneCommand) (func(context.Context) error, error) {
	subject := AckSubject(a.prefix, cmd.DroneID, cmd.IncidentID.String())
	w, err := a.subs.SubscribeAck(subject)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return func(ctx context.Context) error {
		defer w.Close()
		ctx, cancel := context.WithTimeout(ctx, a.timeout)
		defer cancel()

		body, err := w.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrAckTimeout, a.timeout)
			}
			return err
		}
		var ack Ack
		if err := json.Unmarshal(body, &ack); err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		if !ack.Success {
			if ack.Error == "" {
				ack.Error = "drone reported failure"
			}
			return errors.New(ack.Error)
		}
		return nil
	}, nil
}

// NATSAcks adapts a NATS connection to AckSubscriber.
type NATSAcks struct {
	Conn *nats.Conn
}

func (n NATSAcks) SubscribeAck(subject string) (AckWaiter, error) {
	sub, err := n.Conn.SubscribeSync(subject)
	if err != nil {
		return nil, err
	}
	return natsAckWaiter{sub: sub}, nil
}

type natsAckWaiter struct {
	sub *nats.Subscription
}

func (w natsAckWaiter) Next(ctx context.Context) ([]byte, error) {
	msg, err := w.sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (w natsAckWaiter) Close() error {
	return w.sub.Unsubscribe()
}
