// Package events publishes pipeline progress over NATS JetStream so
// long-running classification jobs can be observed without scraping logs.
// Publishing is best-effort: a broker outage never fails a run.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/knotmetrics/jmindex/internal/nats"
	"github.com/knotmetrics/jmindex/pkg/concurrency"
)

// JSContext defines the minimal subset of JetStream operations the publisher
// depends on. This allows tests to provide a mock without requiring a running
// NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

// RunStarted announces a new classification run.
type RunStarted struct {
	RunID          string    `json:"run_id"`
	Input          string    `json:"input"`
	Shards         int       `json:"shards"`
	Representation string    `json:"representation"`
	StartedAt      time.Time `json:"started_at"`
}

// ShardCompleted reports one finished shard.
type ShardCompleted struct {
	RunID        string `json:"run_id"`
	Shard        int    `json:"shard"`
	Processed    int64  `json:"processed"`
	Skipped      int64  `json:"skipped"`
	RecordErrors int64  `json:"record_errors"`
}

// RunCompleted reports the merged totals of a finished run.
type RunCompleted struct {
	RunID        string        `json:"run_id"`
	Processed    int64         `json:"processed"`
	Skipped      int64         `json:"skipped"`
	RecordErrors int64         `json:"record_errors"`
	Ambiguous    int64         `json:"ambiguous"`
	Duration     time.Duration `json:"duration_ns"`
}

// Publisher emits pipeline progress events. Implementations must tolerate
// being called from multiple worker goroutines.
type Publisher interface {
	RunStarted(ctx context.Context, ev RunStarted) error
	ShardCompleted(ctx context.Context, ev ShardCompleted) error
	RunCompleted(ctx context.Context, ev RunCompleted) error
	Close() error
}

// publishFailureThreshold consecutive publish failures open the circuit and
// silence the publisher until the broker recovers.
const publishFailureThreshold = 5

// circuitResetTimeout is how long the circuit stays open before probing.
const circuitResetTimeout = 30 * time.Second

// NATSPublisher publishes events to a JetStream stream. A circuit breaker
// in front of the broker keeps a dead NATS server from slowing the workers.
type NATSPublisher struct {
	js      JSContext
	conn    *nats.Conn
	prefix  string
	breaker *concurrency.CircuitBreaker
	logger  *zap.Logger
}

// NewNATSPublisher creates a publisher over an existing JetStream context,
// ensuring the stream exists. The conn may be nil when the caller owns the
// connection lifecycle.
func NewNATSPublisher(js JSContext, conn *nats.Conn, stream, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if stream == "" || prefix == "" {
		return nil, fmt.Errorf("stream and subject prefix are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := js.StreamInfo(stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{prefix + ".>"},
		}); err != nil {
			return nil, fmt.Errorf("failed to ensure stream %s: %w", stream, err)
		}
	}

	return &NATSPublisher{
		js:      js,
		conn:    conn,
		prefix:  prefix,
		breaker: concurrency.NewCircuitBreaker(publishFailureThreshold, circuitResetTimeout),
		logger:  logger,
	}, nil
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(ctx context.Context, config *internalnats.ConnectionConfig, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := internalnats.Connect(ctx, config, logger)
	if err != nil {
		return nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		_ = internalnats.Close(conn)
		return nil, fmt.Errorf("JetStream is not enabled on the NATS server: %w", err)
	}
	pub, err := NewNATSPublisher(WrapNATSJetStream(js), conn, config.Stream, config.SubjectPrefix, logger)
	if err != nil {
		_ = internalnats.Close(conn)
		return nil, err
	}
	return pub, nil
}

// RunStarted implements Publisher.
func (p *NATSPublisher) RunStarted(ctx context.Context, ev RunStarted) error {
	return p.publish(ctx, p.prefix+".run.started", ev)
}

// ShardCompleted implements Publisher.
func (p *NATSPublisher) ShardCompleted(ctx context.Context, ev ShardCompleted) error {
	return p.publish(ctx, p.prefix+".shard.completed", ev)
}

// RunCompleted implements Publisher.
func (p *NATSPublisher) RunCompleted(ctx context.Context, ev RunCompleted) error {
	return p.publish(ctx, p.prefix+".run.completed", ev)
}

// Close drains the owned connection, if any.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return internalnats.Close(p.conn)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, ev any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.breaker.IsOpen() {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if _, err := p.js.Publish(subject, data); err != nil {
		p.breaker.RecordFailure()
		p.logger.Warn("Failed to publish progress event",
			zap.String("subject", subject),
			zap.Error(err))
		return nil
	}
	p.breaker.RecordSuccess()
	return nil
}

// NopPublisher discards all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) RunStarted(context.Context, RunStarted) error         { return nil }
func (NopPublisher) ShardCompleted(context.Context, ShardCompleted) error { return nil }
func (NopPublisher) RunCompleted(context.Context, RunCompleted) error     { return nil }
func (NopPublisher) Close() error                                         { return nil }
