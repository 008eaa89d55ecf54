package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"mediaflow/internal/logging"
)

// NATSForwarder mirrors broadcaster events onto a NATS subject.
type NATSForwarder struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url, subject string, logger *slog.Logger) (*NATSForwarder, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("mediaflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSForwarder{
		nc:      nc,
		subject: subject,
		logger:  logging.NewComponentLogger(logger, "nats-forwarder"),
	}, nil
}

// Subject returns the subject for events of one stage.
func (f *NATSForwarder) Subject(evt Event) string {
	return f.subject + "." + string(evt.Stage)
}

// PublishJSON encodes v and publishes it on subject.
func (f *NATSForwarder) PublishJSON(subject string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return f.nc.Publish(subject, payload)
}

// Run forwards events from the broadcaster until ctx is cancelled.
func (f *NATSForwarder) Run(ctx context.Context, b *Broadcaster) {
	events, cancel := b.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := f.PublishJSON(f.Subject(evt), evt); err != nil {
				logging.WarnWithContext(f.logger, "forward stage event failed", "event_forward_failed",
					logging.String(logging.FieldStage, string(evt.Stage)),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check events.nats_url connectivity"),
					logging.String(logging.FieldImpact, "remote observers miss this transition"),
				)
			}
		}
	}
}

// Close drains the connection.
func (f *NATSForwarder) Close() {
	if f == nil || f.nc == nil {
		return
	}
	_ = f.nc.Drain()
}
