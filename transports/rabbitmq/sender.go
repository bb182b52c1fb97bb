package rabbitmq

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/servicebus-go/contracts"
	"github.com/glimte/servicebus-go/internal/rabbitmq"
)

// senderLink publishes to the exchange of one entity with publisher confirms
type senderLink struct {
	entity    rabbitmq.Entity
	ch        rabbitmq.Channel
	publisher *rabbitmq.Publisher
	sequence  *rabbitmq.SequenceGenerator
	logger    *slog.Logger
	closed    atomic.Bool
}

func (l *senderLink) Send(ctx context.Context, env *contracts.Envelope) error {
	return l.SendBatch(ctx, []*contracts.Envelope{env})
}

func (l *senderLink) SendBatch(ctx context.Context, envs []*contracts.Envelope) error {
	if l.closed.Load() {
		return contracts.ErrConnectionClosed
	}

	now := time.Now()
	messages := make([]rabbitmq.PublishMessage, 0, len(envs))
	for _, env := range envs {
		messages = append(messages, rabbitmq.PublishMessage{
			Exchange: l.entity.Exchange,
			Message:  rabbitmq.ToPublishing(env, l.sequence.Next(), now),
		})
	}

	if err := l.publisher.PublishBatch(ctx, messages); err != nil {
		return err
	}

	l.logger.Debug("published to exchange",
		"entity", l.entity.Path,
		"exchange", l.entity.Exchange,
		"count", len(messages),
	)
	return nil
}

func (l *senderLink) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return contracts.ErrConnectionClosed
	}
	if err := l.ch.Close(); err != nil && !rabbitmq.IsChannelClosed(err) {
		return err
	}
	return nil
}
