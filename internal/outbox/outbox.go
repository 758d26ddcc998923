// Package outbox provides a durable local queue for best-effort remote
// writes (usage counters, invite codes). Enqueue never blocks the
// user-visible action on persistence; queued operations are drained on a
// retry schedule and on process start, so a failed write is delayed rather
// than silently lost.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation is one pending remote write.
type Operation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	UserID     string          `json:"userId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// Handler executes one pending operation against the remote store.
type Handler func(ctx context.Context, op Operation) error

const defaultCapacity = 1024

type outboxState struct {
	Items []Operation `json:"items"`
}

// Outbox is a file-backed FIFO of pending operations. The file is rewritten
// atomically (tmp + rename) on every mutation so a crash never leaves a
// half-written queue.
type Outbox struct {
	path     string
	capacity int
	logger   *zap.Logger

	mu       sync.Mutex
	items    []Operation
	handlers map[string]Handler
}

// Open loads (or initializes) the outbox at path.
func Open(path string, logger *zap.Logger) (*Outbox, error) {
	if path == "" {
		return nil, errors.New("outbox path is required")
	}
	o := &Outbox{
		path:     path,
		capacity: defaultCapacity,
		logger:   logger,
		items:    []Operation{},
		handlers: map[string]Handler{},
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

// Register installs the handler for one operation kind. Operations with an
// unregistered kind stay queued until a handler appears.
func (o *Outbox) Register(kind string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

// Enqueue appends an operation and persists the queue. An empty ID is
// assigned a fresh UUID. When the queue is full the oldest entry is dropped
// with a warning; losing the oldest retry beats blocking the caller.
func (o *Outbox) Enqueue(op Operation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) >= o.capacity {
		o.logger.Warn("outbox full, dropping oldest operation",
			zap.String("dropped", o.items[0].ID), zap.String("kind", o.items[0].Kind))
		o.items = o.items[1:]
	}
	o.items = append(o.items, op)
	return o.saveLocked()
}

// Depth reports the number of pending operations.
func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Start drains the queue once immediately, then on every tick until ctx is
// cancelled.
func (o *Outbox) Start(ctx context.Context, interval time.Duration) {
	go func() {
		o.DrainOnce(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.DrainOnce(ctx)
			}
		}
	}()
}

// DrainOnce attempts every pending operation once. Succeeding operations are
// removed; failing ones stay queued with their attempt count bumped.
func (o *Outbox) DrainOnce(ctx context.Context) {
	o.mu.Lock()
	pending := append([]Operation(nil), o.items...)
	handlers := o.handlers
	o.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var remaining []Operation
	for _, op := range pending {
		h, ok := handlers[op.Kind]
		if !ok {
			remaining = append(remaining, op)
			continue
		}
		if err := h(ctx, op); err != nil {
			op.Attempts++
			o.logger.Warn("outbox operation failed, will retry",
				zap.String("id", op.ID), zap.String("kind", op.Kind),
				zap.Int("attempts", op.Attempts), zap.Error(err))
			remaining = append(remaining, op)
			continue
		}
		o.logger.Debug("outbox operation drained",
			zap.String("id", op.ID), zap.String("kind", op.Kind))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	// Operations enqueued while draining were not in the pending snapshot;
	// keep them after the survivors.
	if len(o.items) > len(pending) {
		remaining = append(remaining, o.items[len(pending):]...)
	}
	if remaining == nil {
		remaining = []Operation{}
	}
	o.items = remaining
	if err := o.saveLocked(); err != nil {
		o.logger.Warn("failed to persist outbox after drain", zap.Error(err))
	}
}

func (o *Outbox) load() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot outboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > o.capacity {
		snapshot.Items = snapshot.Items[len(snapshot.Items)-o.capacity:]
	}
	o.items = append([]Operation(nil), snapshot.Items...)
	return nil
}

func (o *Outbox) saveLocked() error {
	snapshot := outboxState{Items: append([]Operation(nil), o.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
