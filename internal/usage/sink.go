package usage

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/ai-gateway/internal/types"
)

// TelemetrySink receives finished-request observations for downstream
// consumers (billing, analytics). Publish must not block for long; the
// recorder calls it from its worker goroutine.
type TelemetrySink interface {
	Publish(obs types.OutcomeObservation) error
	Close() error
}

// NoopSink discards observations. Used when no telemetry transport is
// configured.
type NoopSink struct{}

func (NoopSink) Publish(types.OutcomeObservation) error { return nil }
func (NoopSink) Close() error                           { return nil }

// NATSSink publishes observations as JSON to per-provider subjects under
// gateway.telemetry.
type NATSSink struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

// NewNATSSink connects to the NATS server at url.
func NewNATSSink(url string, logger *logrus.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("ai-gateway-telemetry"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: conn, logger: logger}, nil
}

func (s *NATSSink) Publish(obs types.OutcomeObservation) error {
	payload, err := json.Marshal(obs)
	if err != nil {
		return fmt.Errorf("encoding observation: %w", err)
	}
	subject := "gateway.telemetry." + obs.Provider
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		return err
	}
	return nil
}
