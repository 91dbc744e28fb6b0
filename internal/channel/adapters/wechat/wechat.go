// Package wechat adapts a local WeChat automation HTTP service to the channel
// abstraction: QR login, message sync, normalization into canonical records,
// and outbound reply delivery.
package wechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wxgatehq/wxgate/internal/channel"
	"github.com/wxgatehq/wxgate/internal/wechatapi"
)

// ChannelTypeWeChat identifies this adapter in the registry.
const ChannelTypeWeChat = channel.ChannelType("wechat")

const (
	serviceWaitInterval = 2 * time.Second
	serviceWaitTimeout  = 30 * time.Second
	qrPollInterval      = 2 * time.Second
	qrPollTimeout       = 120 * time.Second
	syncErrorBackoff    = 5 * time.Second
	heartbeatInterval   = 5 * time.Minute

	// htmlErrorThreshold is how many consecutive HTML-instead-of-JSON
	// responses trigger a full re-login.
	htmlErrorThreshold = 5

	sessionKey = "wechat/session"
)

// SessionStore persists small key-value blobs across restarts so a cached
// device session can skip the QR scan.
type SessionStore interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, value []byte) error
}

// Session is the persisted login identity.
type Session struct {
	DeviceID string `json:"device_id"`
	Wxid     string `json:"wxid"`
	Nickname string `json:"nickname"`
}

// Status is the adapter's runtime state, exposed on the admin API.
type Status struct {
	State     string `json:"state"`
	QRURL     string `json:"qr_url,omitempty"`
	Wxid      string `json:"wxid,omitempty"`
	Nickname  string `json:"nickname,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Adapter binds the automation service to the channel interfaces. It is both
// a Receiver (sync loop) and a Sender (reply delivery).
type Adapter struct {
	cfg      *Config
	client   *wechatapi.Client
	sessions SessionStore
	filter   *filter
	logger   *slog.Logger
	download *http.Client

	// heartbeat is the session verification interval; shortened in tests.
	heartbeat time.Duration

	mu         sync.Mutex
	session    Session
	normalizer *Normalizer
	status     Status
}

// New creates the adapter. sessions may be nil; login then always goes
// through the QR flow.
func New(cfg *Config, sessions SessionStore, log *slog.Logger) (*Adapter, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "wechat"))
	return &Adapter{
		cfg:       cfg,
		client:    wechatapi.NewClient(cfg.APIHost, cfg.APIPort, cfg.ProtocolVariant(), logger),
		sessions:  sessions,
		filter:    newFilter(cfg),
		logger:    logger,
		download:  &http.Client{Timeout: 30 * time.Second},
		heartbeat: heartbeatInterval,
		status:    Status{State: "offline"},
	}, nil
}

func (a *Adapter) Type() channel.ChannelType {
	return ChannelTypeWeChat
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        ChannelTypeWeChat,
		DisplayName: "WeChat",
		Capabilities: channel.Capabilities{
			Text:  true,
			Image: true,
		},
	}
}

// Status returns a snapshot of the adapter's runtime state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Adapter) setStatus(mutate func(*Status)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	mutate(&a.status)
}

// Connect waits for the automation service, establishes a login, and starts
// the sync loop. It returns once the session is online.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if err := a.waitForService(ctx); err != nil {
		return nil, err
	}
	if err := a.login(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	conn := channel.NewConnection(ChannelTypeWeChat, func(context.Context) error {
		cancel()
		return nil
	})
	go a.syncLoop(loopCtx, conn, handler)
	go a.heartbeatLoop(loopCtx, conn)
	return conn, nil
}

// waitForService polls until the service answers HTTP or the wait times out.
func (a *Adapter) waitForService(ctx context.Context) error {
	a.setStatus(func(s *Status) { s.State = "waiting_service" })
	deadline := time.Now().Add(serviceWaitTimeout)
	for {
		if a.client.IsRunning(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wechat service at %s:%d not reachable", a.cfg.APIHost, a.cfg.APIPort)
		}
		a.logger.Info("waiting for wechat service",
			slog.String("host", a.cfg.APIHost),
			slog.Int("port", a.cfg.APIPort),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(serviceWaitInterval):
		}
	}
}

// login resumes a cached session when the service still holds one, otherwise
// runs the QR scan flow. The resulting identity is persisted.
func (a *Adapter) login(ctx context.Context) error {
	session := a.loadSession()
	if session.DeviceID == "" {
		session.DeviceID = uuid.NewString()
	}

	if session.Wxid != "" {
		profile, err := a.client.GetCachedInfo(ctx, session.Wxid)
		if err == nil && profile.Wxid != "" {
			session.Wxid = profile.Wxid
			if profile.Nickname != "" {
				session.Nickname = profile.Nickname
			}
			a.logger.Info("resumed cached session", slog.String("wxid", session.Wxid))
			return a.finishLogin(ctx, session)
		}
		a.logger.Info("cached session unavailable, falling back to qr login", slog.Any("error", err))
	}

	qr, err := a.client.GetQR(ctx, a.cfg.DeviceName, session.DeviceID)
	if err != nil {
		return fmt.Errorf("request login qr: %w", err)
	}
	a.setStatus(func(s *Status) {
		s.State = "awaiting_scan"
		s.QRURL = qr.URL
	})
	a.logger.Info("scan qr code to log in", slog.String("url", qr.URL))

	deadline := time.Now().Add(qrPollTimeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(qrPollInterval):
		}
		if time.Now().After(deadline) {
			return errors.New("qr login timed out")
		}
		status, err := a.client.CheckUUID(ctx, qr.UUID)
		if err != nil {
			a.logger.Warn("qr poll failed", slog.Any("error", err))
			continue
		}
		if !status.Confirmed {
			continue
		}
		session.Wxid = status.Wxid
		session.Nickname = status.Nickname
		break
	}
	if session.Wxid == "" || session.Nickname == "" {
		if profile, err := a.client.GetProfile(ctx, session.Wxid); err == nil {
			if session.Wxid == "" {
				session.Wxid = profile.Wxid
			}
			if session.Nickname == "" {
				session.Nickname = profile.Nickname
			}
		}
	}
	if session.Wxid == "" {
		return errors.New("login confirmed but no wxid returned")
	}
	a.logger.Info("logged in", slog.String("wxid", session.Wxid), slog.String("nickname", session.Nickname))
	return a.finishLogin(ctx, session)
}

func (a *Adapter) finishLogin(_ context.Context, session Session) error {
	a.mu.Lock()
	a.session = session
	botName := a.cfg.BotName
	if botName == "" {
		botName = session.Nickname
	}
	a.normalizer = NewNormalizer(session.Wxid, botName, a.cfg.GroupAlias)
	a.status = Status{
		State:    "online",
		Wxid:     session.Wxid,
		Nickname: session.Nickname,
	}
	a.mu.Unlock()
	a.saveSession(session)
	return nil
}

func (a *Adapter) loadSession() Session {
	if a.sessions == nil {
		return Session{}
	}
	raw, ok, err := a.sessions.Load(sessionKey)
	if err != nil || !ok {
		if err != nil {
			a.logger.Warn("load session failed", slog.Any("error", err))
		}
		return Session{}
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		a.logger.Warn("decode session failed", slog.Any("error", err))
		return Session{}
	}
	return session
}

func (a *Adapter) saveSession(session Session) {
	if a.sessions == nil {
		return
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return
	}
	if err := a.sessions.Save(sessionKey, raw); err != nil {
		a.logger.Warn("persist session failed", slog.Any("error", err))
	}
}

// syncLoop polls the service for new messages until ctx is cancelled.
// Repeated HTML responses mean the service lost its session; after the
// threshold the loop runs a full re-login.
func (a *Adapter) syncLoop(ctx context.Context, conn *channel.BaseConnection, handler channel.InboundHandler) {
	defer conn.MarkStopped()
	htmlErrors := 0
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("sync loop stopped")
			return
		case <-time.After(a.cfg.SyncInterval):
		}
		a.mu.Lock()
		wxid := a.session.Wxid
		a.mu.Unlock()

		messages, err := a.client.SyncMessages(ctx, wxid)
		if err != nil {
			if errors.Is(err, wechatapi.ErrHTMLResponse) {
				htmlErrors++
				if htmlErrors >= htmlErrorThreshold {
					a.logger.Warn("service session lost, re-initializing", slog.Int("consecutive_errors", htmlErrors))
					htmlErrors = 0
					if err := a.relogin(ctx); err != nil {
						a.logger.Error("re-login failed", slog.Any("error", err))
						a.setStatus(func(s *Status) {
							s.State = "offline"
							s.LastError = err.Error()
						})
					}
					continue
				}
			} else if !errors.Is(err, context.Canceled) {
				a.logger.Warn("message sync failed", slog.Any("error", err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(syncErrorBackoff):
			}
			continue
		}
		htmlErrors = 0
		for _, raw := range messages {
			a.dispatch(ctx, raw, handler)
		}
	}
}

func (a *Adapter) relogin(ctx context.Context) error {
	if err := a.waitForService(ctx); err != nil {
		return err
	}
	return a.login(ctx)
}

// heartbeatLoop verifies the session periodically. A failed heartbeat means
// the service dropped the login, so it runs the same recovery as the sync
// loop's HTML-error path; when re-login fails too, the connection is marked
// dead so the manager's reconcile rebuilds it.
func (a *Adapter) heartbeatLoop(ctx context.Context, conn *channel.BaseConnection) {
	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		a.mu.Lock()
		wxid := a.session.Wxid
		a.mu.Unlock()
		if wxid == "" {
			continue
		}
		err := a.client.Heartbeat(ctx, wxid)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Warn("heartbeat failed, re-initializing", slog.Any("error", err))
		if err := a.relogin(ctx); err != nil {
			a.logger.Error("re-login failed", slog.Any("error", err))
			a.setStatus(func(s *Status) {
				s.State = "offline"
				s.LastError = err.Error()
			})
			conn.MarkStopped()
			return
		}
	}
}

// dispatch normalizes one raw payload, applies the conversation filter and
// voice gating, and hands the record to the inbound handler.
func (a *Adapter) dispatch(ctx context.Context, raw map[string]any, handler channel.InboundHandler) {
	a.mu.Lock()
	normalizer := a.normalizer
	wxid := a.session.Wxid
	a.mu.Unlock()
	if normalizer == nil {
		return
	}

	msg := normalizer.Normalize(raw, false)
	// Echoes of our own outbound traffic come back through sync.
	if msg.OriginID == wxid || msg.SenderID == wxid {
		return
	}
	if !a.filter.Allow(msg.OriginID, msg.SenderID) {
		a.logger.Debug("message filtered", slog.String("origin", msg.OriginID), slog.String("sender", msg.SenderID))
		return
	}
	if msg.Type == channel.TypeVoice {
		enabled := a.cfg.SpeechRecognition
		if msg.Group {
			enabled = a.cfg.GroupSpeechRecognition
		}
		if !enabled {
			a.logger.Debug("voice message skipped", slog.String("message_id", msg.ID))
			return
		}
	}

	target := msg.OriginID
	if !msg.Group {
		target = msg.SenderID
	}
	inbound := channel.InboundMessage{
		Channel:     ChannelTypeWeChat,
		Message:     msg,
		BotID:       wxid,
		ReplyTarget: target,
		ReceivedAt:  time.Now(),
	}
	if err := handler(ctx, inbound); err != nil {
		a.logger.Error("inbound handling failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
	}
}

// Send delivers a reply. Text-like replies go out as plain text with markdown
// stripped; image replies are fetched from their URL and uploaded.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) error {
	a.mu.Lock()
	wxid := a.session.Wxid
	a.mu.Unlock()
	if wxid == "" {
		return errors.New("wechat adapter not logged in")
	}
	switch msg.Reply.Type {
	case channel.ReplyImageURL:
		return a.sendImageURL(ctx, wxid, msg.Target, msg.Reply.Content)
	case channel.ReplyError:
		return a.client.SendText(ctx, wxid, msg.Target, "[ERROR]\n"+StripMarkdown(msg.Reply.Content), nil)
	case channel.ReplyInfo, channel.ReplyText, "":
		return a.client.SendText(ctx, wxid, msg.Target, StripMarkdown(msg.Reply.Content), nil)
	default:
		return fmt.Errorf("unsupported reply type %q", msg.Reply.Type)
	}
}

func (a *Adapter) sendImageURL(ctx context.Context, wxid, target, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	resp, err := a.download.Do(req)
	if err != nil {
		return fmt.Errorf("download image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return errors.New("image download returned no data")
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return errors.New("downloaded content is not an image")
	}
	return a.client.SendImage(ctx, wxid, target, data)
}
