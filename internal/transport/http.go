package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/rpc"
	v1 "github.com/agentmux/agentmux/pkg/api/v1"
)

// HealthFunc assembles the component health report served on GET /health.
type HealthFunc func(ctx context.Context) *v1.HealthReport

// httpServer serves POST /rpc, GET /health, the SSE event feed and the
// WebSocket upgrade endpoint on one gin engine.
type httpServer struct {
	cfg      config.ServerConfig
	server   *http.Server
	wsServer *http.Server // non-nil when WSPort splits websockets off the main port
	logger   *logger.Logger
}

func newHTTPServer(cfg config.ServerConfig, router *rpc.Router, hub *Hub, sse *sseBroker, healthFn HealthFunc, log *logger.Logger) *httpServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), corsMiddleware(), requestLogger(log))

	engine.POST("/rpc", func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
		if err != nil {
			c.JSON(http.StatusOK, rpc.NewError(nil, rpc.CodeParseError, "parse error"))
			return
		}
		resp := router.DispatchRaw(c.Request.Context(), body)
		if resp == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, resp)
	})

	engine.GET("/health", func(c *gin.Context) {
		report := healthFn(c.Request.Context())
		status := http.StatusOK
		if report.Status == v1.HealthDown {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})

	if sse != nil {
		engine.GET("/events", sse.Handler())
	}
	var wsServer *http.Server
	if hub != nil && cfg.EnableWebSocket {
		if cfg.WSPort != 0 && cfg.WSPort != cfg.HTTPPort {
			wsEngine := gin.New()
			wsEngine.Use(gin.Recovery())
			wsEngine.GET("/ws", hub.UpgradeHandler())
			wsServer = &http.Server{
				Addr:              fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.WSPort),
				Handler:           wsEngine,
				ReadHeaderTimeout: 10 * time.Second,
			}
		} else {
			engine.GET("/ws", hub.UpgradeHandler())
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort)
	return &httpServer{
		cfg: cfg,
		server: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		wsServer: wsServer,
		logger:   log.WithFields(zap.String("transport", "http")),
	}
}

func (h *httpServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.logger.Info("listening", zap.String("addr", h.server.Addr))
	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	if h.wsServer != nil {
		wsLn, err := net.Listen("tcp", h.wsServer.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", h.wsServer.Addr, err)
		}
		h.logger.Info("websocket listening", zap.String("addr", h.wsServer.Addr))
		go func() {
			if err := h.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("websocket server stopped", zap.Error(err))
			}
		}()
	}
	return nil
}

func (h *httpServer) Stop(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(shutdownCtx); err != nil {
		h.logger.Warn("http shutdown forced", zap.Error(err))
	}
	if h.wsServer != nil {
		if err := h.wsServer.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("websocket shutdown forced", zap.Error(err))
		}
	}
}

// corsMiddleware allows browser front-ends on other origins to reach the
// HTTP and SSE endpoints.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs each request with latency and status.
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
