package gateway

import (
	"context"
	"time"
)

// Adapter is a chat surface (Slack, Discord) feeding messages into the
// gateway and carrying responses back.
type Adapter interface {
	Platform() string
	Connect(ctx context.Context) error
	Send(ctx context.Context, channelID, text string) error
	OnMessage(handler MessageHandler)
	Close() error
}

// MessageHandler processes a normalized inbound message from any surface.
type MessageHandler func(msg *InboundMessage)

// InboundMessage is a platform-agnostic chat message.
type InboundMessage struct {
	Platform  string    `json:"platform"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Attach routes an adapter's inbound messages through Submit and answers
// rejections inline so the chat user gets immediate feedback.
func (g *Gateway) Attach(adapter Adapter) {
	platform := adapter.Platform()
	adapter.OnMessage(func(msg *InboundMessage) {
		res := g.Submit(g.jobCtx, msg.Content, Meta{
			Origin: platform,
			ChatID: msg.ChannelID,
		})
		switch res.Action {
		case ActionRejected:
			if res.Reason == "busy" {
				_ = adapter.Send(g.jobCtx, msg.ChannelID, "An orchestration is already running. Try again shortly.")
			}
		case ActionQueued:
			_ = adapter.Send(g.jobCtx, msg.ChannelID, "Queued. It will run after the current orchestration finishes.")
		}
	})
}
