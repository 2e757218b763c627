package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/kvist-io/qbridge/contracts"
	"github.com/kvist-io/qbridge/internal/reliability"
	"github.com/kvist-io/qbridge/serialization"
)

// Publisher writes request envelopes to the broker over pooled channels.
// Transient faults are retried with bounded backoff; broker rejections and
// encode failures fail immediately.
type Publisher struct {
	pool           *ChannelPool
	codec          serialization.Codec
	policy         reliability.RetryPolicy
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker publish confirmation.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithRetryPolicy sets the retry policy for transient publish failures.
func WithRetryPolicy(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over the given channel pool.
func NewPublisher(pool *ChannelPool, codec serialization.Codec, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		codec:          codec,
		policy:         reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish encodes the envelope and writes it to the broker with publisher
// confirms. The correlation id and reply-to destination travel both in the
// AMQP properties and inside the envelope body.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope) error {
	body, err := p.codec.Encode(env)
	if err != nil {
		// Serialization failures never become publishable on retry.
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	msg := amqp091.Publishing{
		ContentType:   env.ContentType,
		MessageId:     env.ID,
		CorrelationId: env.CorrelationID,
		ReplyTo:       env.ReplyTo,
		Timestamp:     env.Timestamp,
		Body:          body,
	}

	attempts := 0
	err = reliability.Retry(ctx, p.policy, func() error {
		attempts++
		return p.publishOnce(ctx, exchange, routingKey, msg)
	})
	if err == nil {
		p.logger.Debug("request published",
			"correlationId", env.CorrelationID,
			"exchange", exchange,
			"routingKey", routingKey,
			"attempts", attempts)
		return nil
	}

	p.logger.Error("publish failed",
		"correlationId", env.CorrelationID,
		"exchange", exchange,
		"routingKey", routingKey,
		"attempts", attempts,
		"error", err)

	if IsRetryable(err) && attempts > p.policy.MaxRetries() {
		// The fault was transient but the attempt ceiling is spent.
		err = fmt.Errorf("%w: %v", ErrPublishExhausted, err)
	}

	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Attempts:   attempts,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// publishOnce performs a single confirmed publish on a freshly leased channel.
func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return &ChannelError{Op: "confirm mode", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}

	confirms := ch.NotifyPublish(make(chan amqp091.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp091.Return, 1))

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return &ChannelError{Op: "publish", ChannelID: ch.id, Err: err, Timestamp: time.Now()}
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return reliability.RetryableError{
				Err:       fmt.Errorf("%w: broker nacked delivery %d", ErrPublishRejected, confirm.DeliveryTag),
				Retryable: false,
			}
		}
		return nil

	case ret := <-returns:
		return reliability.RetryableError{
			Err:       fmt.Errorf("%w: returned with %q", ErrPublishRejected, ret.ReplyText),
			Retryable: false,
		}

	case <-time.After(p.confirmTimeout):
		return ErrPublishNotConfirmed

	case <-ctx.Done():
		return ctx.Err()
	}
}
