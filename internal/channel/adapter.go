package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection does not support graceful shutdown.
var ErrStopNotSupported = errors.New("channel connection stop not supported")

// InboundHandler is a callback invoked when a message arrives from a channel.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// Middleware wraps an InboundHandler to add cross-cutting behavior such as
// deduplication or freshness checks.
type Middleware func(next InboundHandler) InboundHandler

// ReplySender delivers a reply produced while processing an inbound message.
type ReplySender interface {
	Reply(ctx context.Context, target string, reply Reply) error
}

// InboundProcessor consumes normalized inbound messages. Implementations use
// the provided ReplySender to answer on the originating channel.
type InboundProcessor interface {
	Process(ctx context.Context, msg InboundMessage, replier ReplySender) error
}

// Capabilities describes what a channel adapter can deliver outbound.
type Capabilities struct {
	Text  bool `json:"text"`
	Image bool `json:"image"`
	Voice bool `json:"voice"`
}

// Descriptor holds read-only metadata for a registered channel type.
type Descriptor struct {
	Type         ChannelType  `json:"type"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Adapter is the base interface every channel adapter must implement.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor
}

// Sender is an adapter capable of sending outbound replies.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// Receiver is an adapter capable of establishing a long-lived connection to
// receive messages. Connect blocks only for session establishment; message
// consumption runs until the connection is stopped.
type Receiver interface {
	Connect(ctx context.Context, handler InboundHandler) (Connection, error)
}

// Connection represents an active, long-lived link to a channel platform.
type Connection interface {
	ChannelType() ChannelType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection implementation backed by a stop function.
type BaseConnection struct {
	channelType ChannelType
	stop        func(ctx context.Context) error
	running     atomic.Bool
}

// NewConnection creates a BaseConnection for the given channel type and stop function.
func NewConnection(channelType ChannelType, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		channelType: channelType,
		stop:        stop,
	}
	conn.running.Store(true)
	return conn
}

// ChannelType returns the type of channel this connection serves.
func (c *BaseConnection) ChannelType() ChannelType {
	return c.channelType
}

// Stop gracefully shuts down the connection.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if c.stop == nil {
		return ErrStopNotSupported
	}
	c.running.Store(false)
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}

// MarkStopped records that the connection terminated on its own, without a
// Stop call. Adapters use this when the underlying session dies.
func (c *BaseConnection) MarkStopped() {
	c.running.Store(false)
}
