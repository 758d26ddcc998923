package bus

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSHandler upgrades HTTP requests to websocket sessions and pumps messages
// between the connection and the router/hub.
type WSHandler struct {
	hub            *Hub
	router         *Router
	originPatterns []string
	logger         *zap.Logger
}

// NewWSHandler creates the handler. originPatterns restricts which origins may
// connect; an empty slice only admits same-origin requests.
func NewWSHandler(hub *Hub, router *Router, originPatterns []string, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, router: router, originPatterns: originPatterns, logger: logger}
}

// Handle is the gin endpoint for /ws. Each connection gets a hub session, a
// write pump draining the session channel, and a read loop dispatching
// envelopes through the router.
func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session terminated")

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sessionID, out := h.hub.register()
	defer h.hub.unregister(sessionID)

	// Write pump: everything outbound for this session, both correlated
	// replies and broadcasts, flows through the one channel so writes are
	// never concurrent.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-out:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					h.logger.Debug("websocket write failed, closing session",
						zap.String("sessionID", sessionID), zap.Error(err))
					cancel()
					return
				}
			}
		}
	}()

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway ||
				errors.Is(err, context.Canceled) {
				conn.Close(websocket.StatusNormalClosure, "")
			} else {
				h.logger.Debug("websocket read failed",
					zap.String("sessionID", sessionID), zap.Error(err))
			}
			break
		}

		reply, handled := h.router.Dispatch(ctx, env)
		if !handled {
			continue
		}
		select {
		case out <- reply:
		case <-ctx.Done():
		}
	}

	cancel()
	<-writeDone
}
