package client

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"aetherflow-syncd/internal/bus"
)

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

// Dial connects to the background process's websocket endpoint.
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) Read(ctx context.Context) (Message, error) {
	var msg Message
	if err := wsjson.Read(ctx, w.conn, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (w *wsConn) Write(ctx context.Context, env bus.Envelope) error {
	return wsjson.Write(ctx, w.conn, env)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
