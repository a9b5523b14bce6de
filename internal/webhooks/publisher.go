package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"concretepool/internal/model"
	"concretepool/internal/store"
)

type Publisher struct {
	Store store.Store
	Log   zerolog.Logger
}

func NewPublisher(s store.Store, log zerolog.Logger) *Publisher {
	return &Publisher{Store: s, Log: log}
}

// Emit queues ev for every subscription to its type. It returns how many deliveries were queued.
func (p *Publisher) Emit(ctx context.Context, ev model.PlanEvent) (int, error) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, ev.Type)
	if err != nil {
		return 0, fmt.Errorf("subscriptions for %s: %w", ev.Type, err)
	}
	if len(subs) == 0 {
		return 0, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, ev.Type, s.URL, s.Secret, body); err != nil {
			p.Log.Error().Err(err).Str("subscription_id", s.ID).Str("event", ev.Type).Msg("enqueue webhook")
			continue
		}
		n++
	}
	return n, nil
}
