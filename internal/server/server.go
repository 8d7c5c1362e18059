// Package server wires the echo-based HTTP surface the process exposes:
// a health endpoint, the WebSocket upgrade at /ws, and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/middleware"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/internal/session"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

const (
	maxHeaderBytes = 1 << 20
	ctxTimeout     = 5 * time.Second
)

type Server struct {
	echo       *echo.Echo
	cfg        *config.Config
	logger     logger.Logger
	mw         *middleware.Manager
	hub        *session.Hub
	dispatcher *session.Dispatcher
	statsFn    func() models.Stats
	upgrader   websocket.Upgrader
}

func NewServer(cfg *config.Config, log logger.Logger, mw *middleware.Manager, hub *session.Hub, dispatcher *session.Dispatcher, statsFn func() models.Stats) *Server {
	return &Server{
		echo:       echo.New(),
		cfg:        cfg,
		logger:     log,
		mw:         mw,
		hub:        hub,
		dispatcher: dispatcher,
		statsFn:    statsFn,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

func (s *Server) mapHandlers() {
	s.echo.Use(s.mw.RequestID())
	s.echo.Use(s.mw.Recover())
	s.echo.Use(s.mw.RequestLogger())
	s.echo.Use(s.mw.CORS())

	s.echo.GET("/health", s.health)
	s.echo.GET("/ws", s.serveWS, s.mw.ConnectionLimiter())
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":             "ok",
		"stats":              s.statsFn(),
		"active_connections": s.mw.ActiveConnections(),
	})
}

// serveWS upgrades the request and blocks for the connection's lifetime,
// reading inbound frames until the client disconnects or the session
// closes itself. Exactly one goroutine (WritePump) writes to the
// connection; this goroutine only reads.
func (s *Server) serveWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return nil
	}

	sess := session.NewSession(uuid.New().String(), conn, s.logger)
	s.hub.Register(sess)
	go sess.WritePump()

	connTimeout := time.Duration(s.cfg.Server.ConnectionTimeoutS) * time.Second
	idleTicker := time.NewTicker(10 * time.Second)
	defer idleTicker.Stop()

	heartbeat := time.Duration(s.cfg.Server.HeartbeatIntervalS) * time.Second
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	pingTicker := time.NewTicker(heartbeat)
	defer pingTicker.Stop()

	go func() {
		for {
			select {
			case <-idleTicker.C:
				if connTimeout > 0 && sess.IdleFor() > connTimeout {
					s.logger.Infof("session %s: idle timeout, closing", sess.ID)
					sess.Close()
					return
				}
			case <-pingTicker.C:
				s.hub.Send(sess, session.OutPing, map[string]interface{}{"server_time": time.Now().UTC().Format(time.RFC3339)})
			case <-sess.Done():
				return
			}
		}
	}()

	ctx := c.Request().Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatcher.Handle(ctx, sess, raw)
	}

	sess.Close()
	s.hub.Unregister(sess.ID)
	return nil
}

func (s *Server) Run() error {
	s.mapHandlers()
	s.echo.Server.MaxHeaderBytes = maxHeaderBytes

	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	httpServer := &http.Server{
		Addr: addr,
	}

	go func() {
		s.logger.Infof("starting server on %s", addr)
		if err := s.echo.StartServer(httpServer); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("error starting server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	s.logger.Infof("shutting down server")
	return s.echo.Server.Shutdown(ctx)
}
