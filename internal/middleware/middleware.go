// Package middleware holds the echo.MiddlewareFunc chain the HTTP/WebSocket
// acceptor runs ahead of any handler: CORS, request logging, panic recovery,
// and the connection-count gate spec.md's MaxConnections error enforces.
package middleware

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/sundeep-k/voxqueue/internal/config"
	"github.com/sundeep-k/voxqueue/internal/models"
	"github.com/sundeep-k/voxqueue/pkg/logger"
)

// Manager builds the middleware stack; one instance is shared by every
// route the server registers.
type Manager struct {
	cfg     *config.Config
	logger  logger.Logger
	origins []string

	active int32
}

func NewManager(cfg *config.Config, log logger.Logger, origins []string) *Manager {
	return &Manager{cfg: cfg, logger: log, origins: origins}
}

func (m *Manager) CORS() echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     m.origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}

// RequestLogger logs one line per request at Info level, in the style the
// teacher's logger package already writes server-lifecycle lines in.
func (m *Manager) RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			m.logger.Infof("%s %s status=%d took=%s reqID=%s",
				c.Request().Method, c.Request().URL.Path, c.Response().Status,
				time.Since(start), c.Response().Header().Get(echo.HeaderXRequestID))
			return err
		}
	}
}

func (m *Manager) Recover() echo.MiddlewareFunc {
	return echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			m.logger.Errorf("panic recovered: %v", err)
			return err
		},
	})
}

func (m *Manager) RequestID() echo.MiddlewareFunc {
	return echomw.RequestID()
}

// ConnectionLimiter rejects a new connection once active reaches the
// configured ceiling, so one overloaded process fails fast instead of
// degrading every in-flight session. Each accepted connection increments
// the active counter, and a deferred decrement releases that slot exactly
// once when the wrapped handler returns.
func (m *Manager) ConnectionLimiter() echo.MiddlewareFunc {
	max := int32(m.cfg.Server.MaxConnections)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if max > 0 {
				n := atomic.AddInt32(&m.active, 1)
				if n > max {
					atomic.AddInt32(&m.active, -1)
					return c.JSON(http.StatusServiceUnavailable, map[string]string{
						"code":    string(models.ErrMaxConnections),
						"message": "server is at its connection limit",
					})
				}
				defer atomic.AddInt32(&m.active, -1)
			}
			return next(c)
		}
	}
}

func (m *Manager) ActiveConnections() int {
	return int(atomic.LoadInt32(&m.active))
}
