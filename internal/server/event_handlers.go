package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const websocketWriteTimeout = 10 * time.Second

// handleEventsSocket upgrades to a websocket and pushes the chat's versioning events as JSON frames.
func (h *httpHandler) handleEventsSocket(c *gin.Context) {
	chatID := h.chatID(c).String()
	conn, err := websocket.Accept(newHandshakeWriter(c.Writer), c.Request, h.acceptOptions())
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// Observers only listen; CloseRead answers control frames and cancels ctx once the peer leaves.
	ctx := conn.CloseRead(c.Request.Context())
	stream, cleanup := h.realtime.Subscribe(ctx, chatID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case message, ok := <-stream:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := writeFrame(ctx, conn, message); err != nil {
				h.logger.Debug("websocket write failed", zap.String("chat_id", chatID), zap.Error(err))
				return
			}
		case tick := <-ticker.C:
			if err := writeFrame(ctx, conn, heartbeatMessage(chatID, tick)); err != nil {
				h.logger.Debug("websocket heartbeat failed", zap.String("chat_id", chatID), zap.Error(err))
				return
			}
		}
	}
}

// handleEventStream serves the same events as server-sent events for clients without websockets.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	chatID := h.chatID(c).String()
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, chatID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatMessage(chatID, tick))
			return true
		}
	})
}

func (h *httpHandler) acceptOptions() *websocket.AcceptOptions {
	if len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(h.origins))
	for _, origin := range h.origins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			patterns = append(patterns, origin)
			continue
		}
		patterns = append(patterns, parsed.Host)
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

// handshakeWriter sends the 101 status on the connection's own writer and hijacks through gin,
// so net/http flushes the handshake on hijack and gin never writes a status of its own.
type handshakeWriter struct {
	tracked gin.ResponseWriter
	raw     http.ResponseWriter
}

func newHandshakeWriter(writer gin.ResponseWriter) *handshakeWriter {
	raw := http.ResponseWriter(writer)
	if unwrapper, ok := writer.(interface{ Unwrap() http.ResponseWriter }); ok {
		raw = unwrapper.Unwrap()
	}
	return &handshakeWriter{tracked: writer, raw: raw}
}

func (w *handshakeWriter) Header() http.Header {
	return w.tracked.Header()
}

func (w *handshakeWriter) Write(payload []byte) (int, error) {
	return w.tracked.Write(payload)
}

func (w *handshakeWriter) WriteHeader(code int) {
	if code == http.StatusSwitchingProtocols {
		w.raw.WriteHeader(code)
		return
	}
	w.tracked.WriteHeader(code)
}

func (w *handshakeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.tracked.Hijack()
}

func writeFrame(ctx context.Context, conn *websocket.Conn, message RealtimeMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, message)
}

func heartbeatMessage(chatID string, tick time.Time) RealtimeMessage {
	return RealtimeMessage{
		ChatID:      chatID,
		EventType:   realtimeEventHeartbeat,
		Source:      realtimeSourceBackend,
		TimestampMs: tick.UTC().UnixMilli(),
	}
}
