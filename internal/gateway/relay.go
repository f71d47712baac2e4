package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
)

// Relay forwards orchestration results back to the chat surface that
// originated them, keyed by the event's origin and chat ID.
type Relay struct {
	events   *bus.Bus
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewRelay builds a relay over the given adapters.
func NewRelay(events *bus.Bus, adapters []Adapter, logger *zap.Logger) *Relay {
	byPlatform := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Relay{events: events, adapters: byPlatform, logger: logger}
}

// Run consumes bus events until the context is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ch, cancel := r.events.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(ctx, evt)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, evt bus.Event) {
	payload, _ := evt.Payload.(map[string]any)
	switch evt.Name {
	case bus.EventOrchestrateDone:
		origin, _ := payload["origin"].(string)
		chatID, _ := payload["chatId"].(string)
		text, _ := payload["text"].(string)
		adapter, ok := r.adapters[origin]
		if !ok || chatID == "" || text == "" {
			return
		}
		if isErr, _ := payload["error"].(bool); isErr {
			text = "⚠️ " + text
		}
		if err := adapter.Send(ctx, chatID, text); err != nil {
			r.logger.Warn("relay send failed",
				zap.String("platform", origin), zap.Error(err))
		}
	case bus.EventOrcState:
		// State changes are informational; pushing them to every chat
		// surface is noisy, so only log them here.
		state, _ := payload["state"].(string)
		r.logger.Info("workflow state changed", zap.String("state", state))
	}
}
