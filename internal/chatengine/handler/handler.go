// Package handler is the engine's front door: it owns the steering queue,
// routes direct/passive messages to the executor or the proactive runner,
// and records every inbound message in history unconditionally.
package handler

import (
	"context"
	"fmt"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/chatengine/executor"
	"github.com/sipeed/chatengine/internal/chatengine/proactive"
	"github.com/sipeed/chatengine/internal/chatengine/resolver"
	"github.com/sipeed/chatengine/internal/chatengine/steering"
	"github.com/sipeed/chatengine/internal/errs"
	"github.com/sipeed/chatengine/internal/logging"
)

// Handler wires the steering queue to the command executor and proactive
// runner.
type Handler struct {
	History   chatengine.HistoryStore
	Resolver  *resolver.Resolver
	Executor  *executor.Executor
	Steering  *steering.Manager
	Proactive *proactive.Runner

	ProactiveConfig chatengine.ProactiveConfig
	Chronicler      executor.AutoChronicler

	// ResolveContextSize bounds how much history is fetched to feed the
	// resolver's classifier step when deciding bypass.
	ResolveContextSize int
}

// Handle persists the inbound message unconditionally, then routes it by
// direct/passive.
func (h *Handler) Handle(ctx context.Context, msg chatengine.RoomMessage, direct bool, send chatengine.SendResponseFunc) (*chatengine.CommandExecutionResult, error) {
	triggerID, err := h.History.AddMessage(ctx, msg, nil)
	hasTrigger := err == nil
	if err != nil {
		logging.ErrorCF("handler", "persisting inbound message failed", logging.Fields{"arc": msg.Arc(), "err": err.Error()})
	}

	if !direct {
		return h.handlePassive(ctx, msg, triggerID, hasTrigger, send)
	}
	return h.handleDirect(ctx, msg, triggerID, hasTrigger, send)
}

func (h *Handler) handleDirect(ctx context.Context, msg chatengine.RoomMessage, triggerID int64, hasTrigger bool, send chatengine.SendResponseFunc) (*chatengine.CommandExecutionResult, error) {
	history := h.resolveContext(ctx, msg)
	resolved := h.Resolver.Resolve(ctx, msg, history)

	key := chatengine.NewSteeringKey(msg)

	if resolved.Bypass() {
		item := chatengine.NewQueuedInboundMessage(chatengine.KindCommand, msg, triggerID, hasTrigger, send)
		result, err := h.executeCatchingPanic(ctx, item, h.drainerFor(key))
		if err != nil {
			item.Finish(&chatengine.CommandExecutionResult{Resolved: chatengine.ResolvedCommand{Err: err}})
			return nil, err
		}
		item.Finish(result)
		return result, nil
	}

	item, isRunner := h.Steering.EnqueueCommandOrStartRunner(key, msg, triggerID, hasTrigger, send)
	if !isRunner {
		result := <-item.Done
		return result, nil
	}

	result, err := h.executeCatchingPanic(ctx, item, h.drainerFor(key))
	if err != nil {
		item.Finish(&chatengine.CommandExecutionResult{Resolved: chatengine.ResolvedCommand{Err: err}})
		h.Steering.AbortSession(key, fmt.Errorf("%w: %v", errs.ErrSessionAborted, err))
		return nil, err
	}
	item.Finish(result)
	go h.drainSessionLoop(ctx, key)
	return result, nil
}

func (h *Handler) handlePassive(ctx context.Context, msg chatengine.RoomMessage, triggerID int64, hasTrigger bool, send chatengine.SendResponseFunc) (*chatengine.CommandExecutionResult, error) {
	key := chatengine.NewSteeringKey(msg)
	startProactive := h.Proactive != nil && h.ProactiveConfig.Interjects(msg.Arc())

	item, outcome := h.Steering.EnqueuePassive(key, msg, triggerID, hasTrigger, send, startProactive)
	switch outcome {
	case steering.PassiveQueued:
		result := <-item.Done
		return result, nil
	case steering.PassiveProactiveRunner:
		go h.Proactive.RunSession(ctx, key, item)
		result := <-item.Done
		return result, nil
	default: // steering.PassiveNone
		if h.Chronicler != nil {
			h.Chronicler.Trigger(ctx, msg.Arc())
		}
		return nil, nil
	}
}

// drainSessionLoop services the session's queue to exhaustion, stopping and
// aborting the remaining queue on the first execution error.
func (h *Handler) drainSessionLoop(ctx context.Context, key chatengine.SteeringKey) {
	drainer := h.drainerFor(key)
	for {
		item := h.Steering.TakeNextWorkCompacted(key)
		if item == nil {
			return
		}
		result, err := h.executeCatchingPanic(ctx, item, drainer)
		if err != nil {
			item.Finish(&chatengine.CommandExecutionResult{Resolved: chatengine.ResolvedCommand{Err: err}})
			h.Steering.AbortSession(key, fmt.Errorf("%w: %v", errs.ErrSessionAborted, err))
			return
		}
		item.Finish(result)
	}
}

func (h *Handler) drainerFor(key chatengine.SteeringKey) func() []string {
	return func() []string { return h.Steering.DrainSteeringContextMessages(key) }
}

func (h *Handler) resolveContext(ctx context.Context, msg chatengine.RoomMessage) []chatengine.ContextMessage {
	size := h.ResolveContextSize
	if size <= 0 {
		size = 20
	}
	history, err := h.History.GetContextForMessage(ctx, msg, size)
	if err != nil {
		return nil
	}
	return history
}

// executeCatchingPanic recovers the executor's *executor.ExecutionError
// panic and turns it into a normal error return so the caller can abort the
// owning session.
func (h *Handler) executeCatchingPanic(ctx context.Context, item *chatengine.QueuedInboundMessage, drainer func() []string) (result *chatengine.CommandExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			if execErr, ok := r.(*executor.ExecutionError); ok {
				err = execErr
				return
			}
			panic(r)
		}
	}()
	result = h.Executor.Execute(ctx, item, drainer)
	return result, nil
}
