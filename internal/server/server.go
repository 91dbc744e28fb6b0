// Package server exposes the admin HTTP API: health, connection status, and
// the pending login QR code.
package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/wxgatehq/wxgate/internal/channel"
	"github.com/wxgatehq/wxgate/internal/channel/adapters/wechat"
)

// StatusSource reports the state of the supervised channel connections.
type StatusSource interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

type Server struct {
	echo    *echo.Echo
	addr    string
	manager StatusSource
	adapter *wechat.Adapter
}

func NewServer(addr string, manager StatusSource, adapter *wechat.Adapter) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		addr:    addr,
		manager: manager,
		adapter: adapter,
	}

	e.GET("/healthz", s.healthz)
	e.GET("/api/status", s.status)
	e.GET("/api/login/qr", s.loginQR)

	return s
}

func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying echo instance, used by tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	resp := map[string]any{}
	if s.manager != nil {
		resp["connections"] = s.manager.ConnectionStatuses()
	}
	if s.adapter != nil {
		resp["wechat"] = s.adapter.Status()
	}
	return c.JSON(http.StatusOK, resp)
}

// loginQR answers the pending QR challenge URL, or 404 when no scan is
// outstanding.
func (s *Server) loginQR(c echo.Context) error {
	if s.adapter == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "wechat adapter not configured"})
	}
	status := s.adapter.Status()
	if status.QRURL == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no pending login"})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"state": status.State,
		"url":   status.QRURL,
	})
}
