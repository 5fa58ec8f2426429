// Package broker hands finished match outcomes to NATS. Whatever stores
// results subscribes on the other side; the game server never reads them back.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adwski/pong-server/backend/model"
)

const (
	defaultClientName = "pong-server"
	defaultSubject    = "pong.results"

	msgIDHeader = "Nats-Msg-Id"
)

var (
	ErrConnect = errors.New("unable to connect to results broker")
	ErrPublish = errors.New("unable to publish match outcome")
)

type (
	Config struct {
		Logger  *zerolog.Logger
		URL     string
		Subject string
	}

	Publisher struct {
		conn    *nats.Conn
		subject string
		logger  zerolog.Logger
	}
)

func NewPublisher(cfg Config) (*Publisher, error) {
	p := &Publisher{
		subject: cfg.Subject,
		logger:  cfg.Logger.With().Str("component", "results-broker").Logger(),
	}
	if p.subject == "" {
		p.subject = defaultSubject
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(defaultClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn().Err(err).Msg("disconnected from broker")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to broker")
		}),
	)
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	p.conn = conn
	p.logger.Info().Str("url", conn.ConnectedUrl()).Str("subject", p.subject).Msg("connected to broker")
	return p, nil
}

// Publish sends the outcome to <subject>.<state> and waits for the server to
// acknowledge the flush.
func (p *Publisher) Publish(ctx context.Context, outcome model.Outcome) error {
	msg, err := NewMessage(p.subject, outcome)
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	if err = p.conn.PublishMsg(msg); err != nil {
		return errors.Join(ErrPublish, err)
	}
	if err = p.conn.FlushWithContext(ctx); err != nil {
		return errors.Join(ErrPublish, err)
	}
	p.logger.Debug().
		Str("matchID", outcome.MatchID).
		Str("subject", msg.Subject).
		Msg("outcome published")
	return nil
}

func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.logger.Error().Err(err).Msg("failed to drain broker connection")
	}
}

// NewMessage builds the message for an outcome. The match id doubles as the
// message id so a broker with deduplication drops redeliveries.
func NewMessage(subject string, outcome model.Outcome) (*nats.Msg, error) {
	data, err := json.Marshal(&outcome)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(fmt.Sprintf("%s.%s", subject, outcome.State))
	msg.Data = data
	msg.Header.Set(msgIDHeader, outcome.MatchID)
	return msg, nil
}
