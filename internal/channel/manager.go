package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ConnectionStatus describes runtime status for one channel connection.
type ConnectionStatus struct {
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type inboundTask struct {
	msg InboundMessage
}

// Manager coordinates channel adapters: it supervises one long-lived
// connection per receiver-capable adapter, runs inbound messages through the
// middleware chain and a worker pool, and dispatches replies back through the
// originating adapter.
type Manager struct {
	registry          *Registry
	processor         InboundProcessor
	logger            *slog.Logger
	middlewares       []Middleware
	reconcileInterval time.Duration

	inboundQueue   chan inboundTask
	inboundWorkers int
	inboundOnce    sync.Once
	inboundCancel  context.CancelFunc

	mu          sync.Mutex
	connections map[ChannelType]Connection
	meta        map[ChannelType]ConnectionStatus
}

// NewManager creates a Manager with the given logger, registry, and processor.
func NewManager(log *slog.Logger, registry *Registry, processor InboundProcessor) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:          registry,
		processor:         processor,
		logger:            log.With(slog.String("component", "channel")),
		reconcileInterval: 5 * time.Minute,
		inboundQueue:      make(chan inboundTask, 256),
		inboundWorkers:    4,
		connections:       map[ChannelType]Connection{},
		meta:              map[ChannelType]ConnectionStatus{},
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Use appends middleware to the inbound processing chain. Must be called
// before Start.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// RegisterAdapter adds an adapter to the registry and logs the registration.
func (m *Manager) RegisterAdapter(adapter Adapter) {
	if adapter == nil {
		return
	}
	if err := m.registry.Register(adapter); err != nil {
		m.logger.Warn("adapter registration failed", slog.String("channel", adapter.Type().String()), slog.Any("error", err))
		return
	}
	m.logger.Info("adapter registered", slog.String("channel", adapter.Type().String()))
}

// Start connects every receiver-capable adapter, then keeps connections alive
// with a periodic reconcile until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.startInboundWorkers(ctx)
	go func() {
		m.reconcile(ctx)
		ticker := time.NewTicker(m.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("manager stop")
				m.stopAll(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				m.reconcile(ctx)
			}
		}
	}()
}

// reconcile connects adapters that have no running connection. Connections
// that died on their own (Running() == false) are restarted.
func (m *Manager) reconcile(ctx context.Context) {
	for _, channelType := range m.registry.Types() {
		receiver, ok := m.registry.GetReceiver(channelType)
		if !ok {
			continue
		}
		m.mu.Lock()
		conn := m.connections[channelType]
		m.mu.Unlock()
		if conn != nil && conn.Running() {
			m.markStatus(channelType, true, nil)
			continue
		}
		if conn != nil {
			m.logger.Warn("connection lost, reconnecting", slog.String("channel", channelType.String()))
			_ = conn.Stop(ctx)
		}
		handler := m.handleInbound
		for i := len(m.middlewares) - 1; i >= 0; i-- {
			handler = m.middlewares[i](handler)
		}
		// Long-lived connections must outlive the reconcile call.
		newConn, err := receiver.Connect(context.WithoutCancel(ctx), handler)
		if err != nil {
			m.markStatus(channelType, false, err)
			m.logger.Error("adapter start failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			continue
		}
		m.mu.Lock()
		m.connections[channelType] = newConn
		m.mu.Unlock()
		m.markStatus(channelType, true, nil)
		m.logger.Info("adapter started", slog.String("channel", channelType.String()))
	}
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.inboundCancel = cancel
		for i := 0; i < m.inboundWorkers; i++ {
			go func() {
				for {
					select {
					case <-workerCtx.Done():
						return
					case task := <-m.inboundQueue:
						m.process(workerCtx, task.msg)
					}
				}
			}()
		}
	})
}

// handleInbound is the tail of the middleware chain: it enqueues the message
// for the worker pool so slow processors never stall the receive loop.
func (m *Manager) handleInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case m.inboundQueue <- inboundTask{msg: msg}:
		return nil
	default:
		return fmt.Errorf("inbound queue full, dropping message %s", msg.Message.ID)
	}
}

func (m *Manager) process(ctx context.Context, msg InboundMessage) {
	if m.processor == nil {
		m.logger.Warn("no processor configured, message dropped", slog.String("message_id", msg.Message.ID))
		return
	}
	replier := &adapterReplier{manager: m, channelType: msg.Channel}
	if err := m.processor.Process(ctx, msg, replier); err != nil {
		m.logger.Error("process inbound failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("message_id", msg.Message.ID),
			slog.Any("error", err),
		)
	}
}

// Send delivers an outbound message through the named channel's adapter.
func (m *Manager) Send(ctx context.Context, channelType ChannelType, msg OutboundMessage) error {
	sender, ok := m.registry.GetSender(channelType)
	if !ok {
		return fmt.Errorf("unsupported channel type: %s", channelType)
	}
	if strings.TrimSpace(msg.Target) == "" {
		return fmt.Errorf("target is required")
	}
	if msg.Reply.IsEmpty() {
		return fmt.Errorf("reply is required")
	}
	m.logger.Info("send outbound",
		slog.String("channel", channelType.String()),
		slog.String("type", string(msg.Reply.Type)),
	)
	return sender.Send(ctx, msg)
}

// Shutdown cancels the inbound worker pool and stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	m.stopAll(ctx)
	return nil
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for channelType, conn := range m.connections {
		if conn != nil {
			if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
				m.logger.Warn("adapter stop failed", slog.String("channel", channelType.String()), slog.Any("error", err))
			}
		}
		delete(m.connections, channelType)
	}
}

// ConnectionStatuses returns the observed status of every supervised connection.
func (m *Manager) ConnectionStatuses() []ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.meta))
	for _, status := range m.meta {
		items = append(items, status)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ChannelType < items[j].ChannelType
	})
	return items
}

func (m *Manager) markStatus(channelType ChannelType, running bool, checkErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := ConnectionStatus{
		ChannelType: channelType,
		Running:     running,
		UpdatedAt:   time.Now().UTC(),
	}
	if checkErr != nil {
		status.LastError = checkErr.Error()
	}
	m.meta[channelType] = status
}

// adapterReplier routes processor replies back through the originating adapter.
type adapterReplier struct {
	manager     *Manager
	channelType ChannelType
}

func (r *adapterReplier) Reply(ctx context.Context, target string, reply Reply) error {
	return r.manager.Send(ctx, r.channelType, OutboundMessage{Target: target, Reply: reply})
}
