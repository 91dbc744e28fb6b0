package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConnection struct {
	channelType ChannelType
	running     bool
}

func (c *fakeConnection) ChannelType() ChannelType { return c.channelType }
func (c *fakeConnection) Stop(context.Context) error {
	c.running = false
	return nil
}
func (c *fakeConnection) Running() bool { return c.running }

type fakeAdapter struct {
	mu          sync.Mutex
	channelType ChannelType
	connectErr  error
	handler     InboundHandler
	sent        []OutboundMessage
}

func (a *fakeAdapter) Type() ChannelType { return a.channelType }
func (a *fakeAdapter) Descriptor() Descriptor {
	return Descriptor{Type: a.channelType, DisplayName: "fake"}
}

func (a *fakeAdapter) Connect(ctx context.Context, handler InboundHandler) (Connection, error) {
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	a.mu.Lock()
	a.handler = handler
	a.mu.Unlock()
	return &fakeConnection{channelType: a.channelType, running: true}, nil
}

func (a *fakeAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handler != nil
}

func (a *fakeAdapter) inbound(ctx context.Context, msg InboundMessage) error {
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		return errors.New("not connected")
	}
	return handler(ctx, msg)
}

func (a *fakeAdapter) sentMessages() []OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]OutboundMessage(nil), a.sent...)
}

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, msg InboundMessage, replier ReplySender) error {
	return replier.Reply(ctx, msg.ReplyTarget, Reply{Type: ReplyText, Content: "echo: " + msg.Message.Content})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestManagerInboundRoundTrip(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := NewManager(discardLogger(), NewRegistry(), echoProcessor{})
	manager.RegisterAdapter(adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)
	defer func() {
		_ = manager.Shutdown(context.Background())
	}()

	waitFor(t, adapter.connected)

	err := adapter.inbound(ctx, InboundMessage{
		Channel:     adapter.channelType,
		Message:     Message{ID: "m1", Type: TypeText, Content: "hi", CreatedAt: time.Now().Unix()},
		ReplyTarget: "room@chatroom",
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}

	waitFor(t, func() bool { return len(adapter.sentMessages()) == 1 })
	sent := adapter.sentMessages()[0]
	if sent.Target != "room@chatroom" {
		t.Fatalf("target=%q", sent.Target)
	}
	if sent.Reply.Content != "echo: hi" {
		t.Fatalf("reply=%q", sent.Reply.Content)
	}
}

func TestManagerTracksConnectFailure(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		channelType: ChannelType("test"),
		connectErr:  errors.New("dial failed"),
	}
	manager := NewManager(discardLogger(), NewRegistry(), echoProcessor{})
	manager.RegisterAdapter(adapter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)
	defer func() {
		_ = manager.Shutdown(context.Background())
	}()

	waitFor(t, func() bool {
		for _, status := range manager.ConnectionStatuses() {
			if status.ChannelType == adapter.channelType && !status.Running && status.LastError != "" {
				return true
			}
		}
		return false
	})
}

func TestManagerSendRequiresTargetAndReply(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{channelType: ChannelType("test")}
	manager := NewManager(discardLogger(), NewRegistry(), echoProcessor{})
	manager.RegisterAdapter(adapter)

	err := manager.Send(context.Background(), adapter.channelType, OutboundMessage{})
	if err == nil {
		t.Fatal("expected error for empty target")
	}
	err = manager.Send(context.Background(), adapter.channelType, OutboundMessage{Target: "x"})
	if err == nil {
		t.Fatal("expected error for empty reply")
	}
	err = manager.Send(context.Background(), ChannelType("missing"), OutboundMessage{
		Target: "x",
		Reply:  Reply{Type: ReplyText, Content: "y"},
	})
	if err == nil {
		t.Fatal("expected error for unknown channel")
	}
}
