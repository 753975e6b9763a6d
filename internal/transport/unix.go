package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/rpc"
)

// unixServer serves newline-delimited JSON-RPC over a unix domain socket.
// Responses on one connection go out in arrival order.
type unixServer struct {
	path   string
	router *rpc.Router
	logger *logger.Logger

	listener net.Listener
	wg       sync.WaitGroup
	closed   chan struct{}
}

func newUnixServer(path string, router *rpc.Router, log *logger.Logger) *unixServer {
	return &unixServer{
		path:   path,
		router: router,
		logger: log.WithFields(zap.String("transport", "unix")),
		closed: make(chan struct{}),
	}
}

// Start binds the socket, replacing a stale file from a crashed worker.
func (u *unixServer) Start(ctx context.Context) error {
	if err := u.removeStaleSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", u.path)
	if err != nil {
		return err
	}
	u.listener = listener
	u.logger.Info("listening", zap.String("path", u.path))

	u.wg.Add(1)
	go u.acceptLoop(ctx)
	return nil
}

// removeStaleSocket unlinks the socket file if nothing answers on it.
func (u *unixServer) removeStaleSocket() error {
	if _, err := os.Stat(u.path); err != nil {
		return nil
	}
	conn, err := net.Dial("unix", u.path)
	if err == nil {
		conn.Close()
		return errors.New("socket is in use by another daemon: " + u.path)
	}
	u.logger.Info("removing stale socket", zap.String("path", u.path))
	return os.Remove(u.path)
}

func (u *unixServer) Stop() {
	close(u.closed)
	if u.listener != nil {
		u.listener.Close()
	}
	u.wg.Wait()
	os.Remove(u.path)
}

func (u *unixServer) acceptLoop(ctx context.Context) {
	defer u.wg.Done()
	for {
		conn, err := u.listener.Accept()
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
			}
			u.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		u.wg.Add(1)
		go u.serveConn(ctx, conn)
	}
}

func (u *unixServer) serveConn(ctx context.Context, conn net.Conn) {
	defer u.wg.Done()
	defer conn.Close()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req rpc.Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				// One malformed frame poisons the decoder stream, so
				// answer and drop the connection.
				if werr := enc.Encode(rpc.NewError(nil, rpc.CodeParseError, "parse error")); werr != nil {
					u.logger.Debug("write failed", zap.Error(werr))
				}
			}
			return
		}

		resp := u.router.Dispatch(ctx, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			u.logger.Debug("write failed", zap.Error(err))
			return
		}
	}
}
