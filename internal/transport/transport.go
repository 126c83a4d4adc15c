// Package transport defines the contract between a concrete chat-surface
// adapter (IRC/Slack/Discord) and the engine's front door
// (internal/chatengine/handler). Every adapter turns surface-specific
// events into chatengine.RoomMessage values and calls Handler.Handle; the
// engine never knows which surface a message came from beyond its opaque
// ServerTag.
package transport

import (
	"context"

	"github.com/sipeed/chatengine/internal/chatengine"
)

// InboundHandler is the subset of handler.Handler an adapter needs: hand it
// one inbound message, direct or passive, with a callback to deliver the
// eventual reply back to the surface.
type InboundHandler interface {
	Handle(ctx context.Context, msg chatengine.RoomMessage, direct bool, send chatengine.SendResponseFunc) (*chatengine.CommandExecutionResult, error)
}

// Adapter is a concrete chat-surface connection: connect, run until Stop is
// requested, disconnect.
type Adapter interface {
	Start(ctx context.Context) error
	Stop() error
}
