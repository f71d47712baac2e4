// Package gateway is the single entry point for user messages. Every inbound
// message, regardless of surface, goes through Submit, which owns history
// insertion, the busy check, and the queue of messages that arrive while an
// orchestration is running.
package gateway

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/skoll/overmind/internal/bus"
	"github.com/skoll/overmind/internal/orchestrator"
)

// Driver runs orchestration chains. Satisfied by orchestrator.Pipeline.
type Driver interface {
	Orchestrate(ctx context.Context, prompt string, meta orchestrator.Meta) error
	Continue(ctx context.Context, meta orchestrator.Meta) error
	Reset(ctx context.Context, meta orchestrator.Meta) error
}

// HistoryStore records conversation history.
type HistoryStore interface {
	InsertMessage(ctx context.Context, role, content, origin string, extra map[string]any) (string, error)
}

// StateReader exposes the current workflow phase.
type StateReader interface {
	State(ctx context.Context) orchestrator.Phase
}

// Meta identifies where a message came from.
type Meta struct {
	Origin string
	ChatID string
}

// Submit outcomes.
const (
	ActionStarted  = "started"
	ActionQueued   = "queued"
	ActionRejected = "rejected"
)

// SubmitResult reports what the gateway did with a message.
type SubmitResult struct {
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
	Queued    bool   `json:"queued,omitempty"`
	Pending   int    `json:"pending,omitempty"`
	Continued bool   `json:"continued,omitempty"`
}

type queuedMessage struct {
	text string
	meta Meta
}

// Gateway serializes orchestration runs. At most one chain is in flight;
// messages arriving during a run are queued in order and replayed by the
// run's completion handler.
type Gateway struct {
	driver    Driver
	state     StateReader
	history   HistoryStore
	bus       orchestrator.Broadcaster
	spawnBusy func() bool
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	queue   []queuedMessage

	// jobCtx outlives the originating HTTP request.
	jobCtx context.Context
}

// New wires the gateway. spawnBusy reports in-flight subprocesses so direct
// spawns outside the single-flight slot still count as busy.
func New(jobCtx context.Context, driver Driver, state StateReader, history HistoryStore, b orchestrator.Broadcaster, spawnBusy func() bool, logger *zap.Logger) *Gateway {
	if spawnBusy == nil {
		spawnBusy = func() bool { return false }
	}
	return &Gateway{
		driver:    driver,
		state:     state,
		history:   history,
		bus:       b,
		spawnBusy: spawnBusy,
		logger:    logger,
		jobCtx:    jobCtx,
	}
}

// Busy reports whether an orchestration chain or any spawned subprocess is
// currently running.
func (g *Gateway) Busy() bool {
	g.mu.Lock()
	running := g.running
	g.mu.Unlock()
	return running || g.spawnBusy()
}

// Pending returns the number of queued messages.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Submit routes one inbound message. Decision order is fixed: empty text is
// rejected; a continue intent from IDLE resumes prior work; a reset intent
// resets from any phase; while busy, ordinary messages queue without a
// history insert (the queue consumer owns that); otherwise the message is
// recorded and a chain starts.
func (g *Gateway) Submit(ctx context.Context, text string, meta Meta) SubmitResult {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return SubmitResult{Action: ActionRejected, Reason: "empty"}
	}
	if meta.Origin == "" {
		meta.Origin = "web"
	}

	if g.state.State(ctx) == orchestrator.PhaseIdle && orchestrator.IsContinueIntent(trimmed) {
		if !g.tryClaim() {
			return SubmitResult{Action: ActionRejected, Reason: "busy"}
		}
		g.record(ctx, trimmed, meta)
		go g.run(func(jobCtx context.Context) error {
			return g.driver.Continue(jobCtx, toMeta(meta))
		}, meta)
		return SubmitResult{Action: ActionStarted, Continued: true}
	}

	if orchestrator.IsResetIntent(trimmed) {
		if !g.tryClaim() {
			return SubmitResult{Action: ActionRejected, Reason: "busy"}
		}
		g.record(ctx, trimmed, meta)
		go g.run(func(jobCtx context.Context) error {
			return g.driver.Reset(jobCtx, toMeta(meta))
		}, meta)
		return SubmitResult{Action: ActionStarted}
	}

	g.mu.Lock()
	if g.running || g.spawnBusy() {
		g.queue = append(g.queue, queuedMessage{text: trimmed, meta: meta})
		pending := len(g.queue)
		g.mu.Unlock()
		g.bus.Broadcast(bus.EventNewMessage, map[string]any{
			"content": trimmed, "origin": meta.Origin, "queued": true,
		})
		return SubmitResult{Action: ActionQueued, Queued: true, Pending: pending}
	}
	g.running = true
	g.mu.Unlock()

	g.record(ctx, trimmed, meta)
	go g.run(func(jobCtx context.Context) error {
		return g.driver.Orchestrate(jobCtx, trimmed, toMeta(meta))
	}, meta)
	return SubmitResult{Action: ActionStarted}
}

// tryClaim atomically checks the busy predicate and claims the job slot.
func (g *Gateway) tryClaim() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running || g.spawnBusy() {
		return false
	}
	g.running = true
	return true
}

// record inserts the message into history and announces it. Failures are
// logged, never fatal: an orchestration must not be lost to a history write.
func (g *Gateway) record(ctx context.Context, text string, meta Meta) {
	if _, err := g.history.InsertMessage(ctx, "user", text, meta.Origin, nil); err != nil {
		g.logger.Warn("history insert failed", zap.Error(err))
	}
	g.bus.Broadcast(bus.EventNewMessage, map[string]any{
		"content": text, "origin": meta.Origin,
	})
}

// run supervises the claimed job slot. Job errors become an error-tagged
// orchestrate_done broadcast carrying the submitter's origin and chat so the
// relay can deliver the failure notice; the workflow state is left untouched
// so the operator can inspect or reset it. When the job finishes, the oldest
// queued message (if any) is dequeued, recorded, and run.
func (g *Gateway) run(job func(ctx context.Context) error, meta Meta) {
	for {
		if err := job(g.jobCtx); err != nil {
			g.logger.Error("orchestration failed", zap.Error(err))
			g.bus.Broadcast(bus.EventOrchestrateDone, map[string]any{
				"text":   "Orchestration failed: " + err.Error(),
				"origin": meta.Origin,
				"chatId": meta.ChatID,
				"error":  true,
			})
		}

		g.mu.Lock()
		if len(g.queue) == 0 {
			g.running = false
			g.mu.Unlock()
			return
		}
		next := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		g.record(g.jobCtx, next.text, next.meta)
		meta = next.meta
		job = func(jobCtx context.Context) error {
			return g.driver.Orchestrate(jobCtx, next.text, toMeta(next.meta))
		}
	}
}

func toMeta(m Meta) orchestrator.Meta {
	return orchestrator.Meta{Origin: m.Origin, ChatID: m.ChatID}
}
