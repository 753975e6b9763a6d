package transport

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/logger"
)

const sseBufferSize = 64

type sseFrame struct {
	name string
	data []byte
}

// sseBroker streams daemon events to HTTP clients on GET /events.
// Each subscriber has a bounded queue; when it fills, the oldest frame
// is evicted so laggards keep receiving the newest events.
type sseBroker struct {
	logger *logger.Logger

	mu   sync.RWMutex
	subs map[chan sseFrame]struct{}
}

func newSSEBroker(log *logger.Logger) *sseBroker {
	return &sseBroker{
		logger: log.WithFields(zap.String("transport", "sse")),
		subs:   make(map[chan sseFrame]struct{}),
	}
}

func (b *sseBroker) subscribe() chan sseFrame {
	ch := make(chan sseFrame, sseBufferSize)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *sseBroker) unsubscribe(ch chan sseFrame) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Broadcast queues one event frame for every subscriber.
func (b *sseBroker) Broadcast(name string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	frame := sseFrame{name: name, data: data}
	for ch := range b.subs {
		for {
			select {
			case ch <- frame:
			default:
				// Full queue: evict the oldest frame and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *sseBroker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Handler streams frames in text/event-stream format until the client
// disconnects.
func (b *sseBroker) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.String(http.StatusInternalServerError, "streaming unsupported")
			return
		}
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		ch := b.subscribe()
		defer b.unsubscribe(ch)
		b.logger.Debug("subscriber connected", zap.String("remote", c.ClientIP()))

		// Tell the client the stream is live before the first event.
		fmt.Fprint(c.Writer, ": connected\n\n")
		flusher.Flush()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-ch:
				fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", frame.name, frame.data)
				flusher.Flush()
			}
		}
	}
}
