// Package transport exposes the RPC router over a unix socket, HTTP and
// WebSocket, and pushes event-bus traffic to subscribed clients.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events/bus"
	"github.com/agentmux/agentmux/internal/rpc"
)

// Server runs every enabled transport over one router and one event feed.
type Server struct {
	cfg      config.ServerConfig
	router   *rpc.Router
	eventBus bus.EventBus
	logger   *logger.Logger

	unix *unixServer
	http *httpServer
	hub  *Hub
	sse  *sseBroker

	eventSub bus.Subscription
}

// NewServer wires the transports enabled in cfg. socketPath names the unix
// socket; healthFn backs GET /health.
func NewServer(cfg config.ServerConfig, socketPath string, router *rpc.Router, eventBus bus.EventBus, healthFn HealthFunc, log *logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   router,
		eventBus: eventBus,
		logger:   log,
	}

	if cfg.EnableWebSocket {
		s.hub = NewHub(router, log)
	}
	if cfg.EnableHTTP || cfg.EnableWebSocket {
		s.sse = newSSEBroker(log)
		s.http = newHTTPServer(cfg, router, s.hub, s.sse, healthFn, log)
	}
	if cfg.EnableUnixSocket {
		s.unix = newUnixServer(socketPath, router, log)
	}
	return s
}

// Start brings every transport up and attaches the event feed. Callers run
// the reconciler first; nothing external is reachable before Start.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.unix != nil {
		if err := s.unix.Start(ctx); err != nil {
			return fmt.Errorf("unix transport: %w", err)
		}
	}
	if s.http != nil {
		if err := s.http.Start(ctx); err != nil {
			return fmt.Errorf("http transport: %w", err)
		}
	}

	sub, err := s.eventBus.Subscribe(">", s.onEvent)
	if err != nil {
		return fmt.Errorf("event feed: %w", err)
	}
	s.eventSub = sub
	return nil
}

// Stop tears the transports down in reverse order.
func (s *Server) Stop(ctx context.Context) {
	if s.eventSub != nil {
		if err := s.eventSub.Unsubscribe(); err != nil {
			s.logger.Warn("event feed unsubscribe failed", zap.Error(err))
		}
	}
	if s.http != nil {
		s.http.Stop(ctx)
	}
	if s.unix != nil {
		s.unix.Stop()
	}
}

// Subscribers returns the number of live push subscribers across WebSocket
// and SSE.
func (s *Server) Subscribers() int {
	n := 0
	if s.hub != nil {
		n += s.hub.ClientCount()
	}
	if s.sse != nil {
		n += s.sse.ClientCount()
	}
	return n
}

// onEvent forwards one bus event to every push subscriber. It never blocks
// the publisher; slow subscribers lose their oldest events.
func (s *Server) onEvent(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(eventFrame{
		JSONRPC: rpc.Version,
		Method:  "event",
		Params:  event,
	})
	if err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.BroadcastRaw(data)
	}
	if s.sse != nil {
		s.sse.Broadcast(event.Name, data)
	}
	return nil
}

// eventFrame is the notification envelope pushed to subscribers.
type eventFrame struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}
