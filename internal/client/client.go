// Package client is the UI-process side of the message protocol: a websocket
// client with request/response correlation plus per-domain state proxies that
// mirror the background process's stores. UI code reads the proxies; it never
// owns state of its own.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/bus"
)

// Message is one inbound frame: either a correlated reply (RequestID set) or
// a broadcast push. Payload stays raw until the consumer decodes it into its
// domain type.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Conn is the minimal connection surface the client needs. The production
// implementation wraps a websocket; tests substitute an in-memory pair.
type Conn interface {
	Read(ctx context.Context) (Message, error)
	Write(ctx context.Context, env bus.Envelope) error
	Close() error
}

// ErrClosed is returned by Request after the connection's read loop has
// terminated.
var ErrClosed = errors.New("client connection closed")

// Client multiplexes requests and push subscriptions over one connection.
// Messages carrying a requestId are routed to the waiting caller; everything
// else is fanned out to the push subscribers for its message type.
type Client struct {
	conn   Conn
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Message
	pushes  map[string][]func(payload json.RawMessage)
	closed  bool

	done chan struct{}
}

// New creates the client and starts its read loop.
func New(ctx context.Context, conn Conn, logger *zap.Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: map[string]chan Message{},
		pushes:  map[string][]func(payload json.RawMessage){},
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)
	return c
}

// OnPush registers a handler for a push message type. Handlers run on the
// read loop; they must not block.
func (c *Client) OnPush(msgType string, fn func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes[msgType] = append(c.pushes[msgType], fn)
}

// Request sends one correlated request and waits for its reply or ctx expiry.
// A reply carrying an error is returned alongside that error.
func (c *Client) Request(ctx context.Context, msgType string, payload any) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode request payload: %w", err)
		}
		raw = data
	}

	requestID := uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Message{}, ErrClosed
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	env := bus.Envelope{Type: msgType, Payload: raw, RequestID: requestID}
	if err := c.conn.Write(ctx, env); err != nil {
		return Message{}, fmt.Errorf("failed to send %s: %w", msgType, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return reply, errors.New(reply.Error)
		}
		return reply, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		msg, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("client read loop terminated", zap.Error(err))
			}
			return
		}

		if msg.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				// A reply that outlived its waiter (e.g. the caller timed
				// out); drop it.
				c.logger.Debug("dropping uncorrelated reply",
					zap.String("type", msg.Type), zap.String("requestId", msg.RequestID))
			}
			continue
		}

		c.mu.Lock()
		handlers := make([]func(json.RawMessage), len(c.pushes[msg.Type]))
		copy(handlers, c.pushes[msg.Type])
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.Payload)
		}
	}
}

// Done is closed when the read loop terminates.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection; the read loop terminates as a consequence.
func (c *Client) Close() error {
	return c.conn.Close()
}
