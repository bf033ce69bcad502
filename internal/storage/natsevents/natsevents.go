// Package natsevents publishes usage events to NATS.
//
// Each event is published as JSON on "{prefix}.{personaID}", so consumers can
// subscribe to one persona or to "{prefix}.>" for everything.
package natsevents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/score"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "personad.usage"

const pingTimeout = 5 * time.Second

// Publisher is a score.EventSink backed by a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewPublisher wraps an existing connection. The caller keeps ownership.
func NewPublisher(conn *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Connect dials url and returns a Publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*Publisher, error) {
	p := NewPublisher(nil, prefix, logger)
	nc, err := nats.Connect(url,
		nats.Name("personad"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	p.conn = nc
	p.owned = true
	p.logger.Info("connected to NATS", zap.String("url", url), zap.String("subject_prefix", p.prefix))
	return p, nil
}

// Subject returns the subject events for personaID are published on.
func (p *Publisher) Subject(personaID string) string {
	return p.prefix + "." + subjectToken(personaID)
}

// RecordUsageEvent publishes ev. Publishing is asynchronous; delivery
// failures after the client buffer accepts the message are not reported.
func (p *Publisher) RecordUsageEvent(_ context.Context, ev score.UsageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev.PersonaID), data); err != nil {
		return fmt.Errorf("publish usage event: %w", err)
	}
	return nil
}

// Subscribe delivers every usage event under the prefix to fn.
// Undecodable messages are logged and dropped.
func (p *Publisher) Subscribe(fn func(score.UsageEvent)) (*nats.Subscription, error) {
	return p.conn.Subscribe(p.prefix+".>", func(msg *nats.Msg) {
		var ev score.UsageEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn("dropping undecodable usage event",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		fn(ev)
	})
}

// Ping flushes the connection, confirming a server round trip. Contexts
// without a deadline are bounded by pingTimeout, since nats.go requires one.
func (p *Publisher) Ping(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}

// Close drains and closes the connection when the Publisher owns it.
func (p *Publisher) Close() error {
	if !p.owned || p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}

// subjectToken makes id safe as a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, id)
}

var _ score.EventSink = (*Publisher)(nil)
