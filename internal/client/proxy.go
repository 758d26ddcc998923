package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Phase is the lifecycle of a state proxy's mirror of the background
// process's state.
type Phase int

const (
	// PhaseUninitialized: Start has not been called.
	PhaseUninitialized Phase = iota
	// PhaseRequestingInitial: the initial state request is in flight.
	PhaseRequestingInitial
	// PhaseReady: a state snapshot has been received.
	PhaseReady
	// PhaseTimedOut: the initial request did not answer in time. Not
	// terminal: the first push or late reply promotes the proxy to ready.
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "UNINITIALIZED"
	case PhaseRequestingInitial:
		return "REQUESTING_INITIAL"
	case PhaseReady:
		return "READY"
	case PhaseTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// DefaultInitialStateTimeout bounds the wait for the initial state snapshot.
const DefaultInitialStateTimeout = 3 * time.Second

// StateProxy mirrors one domain's state from the background process. It
// requests the initial snapshot once, then tracks pushes; consumers read
// State or subscribe for changes.
type StateProxy[T any] struct {
	client      *Client
	requestType string
	pushType    string
	timeout     time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	phase     Phase
	state     T
	subs      map[int]func(T, Phase)
	nextSubID int

	start sync.Once
}

// NewStateProxy creates an unstarted proxy. timeout <= 0 selects the default.
func NewStateProxy[T any](client *Client, requestType, pushType string, timeout time.Duration, logger *zap.Logger) *StateProxy[T] {
	if timeout <= 0 {
		timeout = DefaultInitialStateTimeout
	}
	return &StateProxy[T]{
		client:      client,
		requestType: requestType,
		pushType:    pushType,
		timeout:     timeout,
		logger:      logger,
		subs:        map[int]func(T, Phase){},
	}
}

// Start subscribes to pushes and requests the initial snapshot. Idempotent;
// ctx bounds the proxy's lifetime and the initial request.
func (p *StateProxy[T]) Start(ctx context.Context) {
	p.start.Do(func() {
		// Subscribe before requesting so a push racing the reply is not
		// missed; whichever lands first makes the proxy ready.
		p.client.OnPush(p.pushType, func(payload json.RawMessage) {
			if ctx.Err() != nil {
				return
			}
			p.applyPayload(payload, "push")
		})

		p.setPhase(PhaseRequestingInitial)

		go func() {
			reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			reply, err := p.client.Request(reqCtx, p.requestType, nil)
			if ctx.Err() != nil {
				// Proxy torn down while the request was in flight.
				return
			}
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					p.markTimedOut()
				} else {
					p.logger.Warn("initial state request failed",
						zap.String("type", p.requestType), zap.Error(err))
					p.markTimedOut()
				}
				return
			}
			p.applyInitial(reply.Payload)
		}()
	})
}

// State returns the current mirrored snapshot and phase.
func (p *StateProxy[T]) State() (T, Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.phase
}

// Subscribe registers a change callback and returns its unsubscribe func.
func (p *StateProxy[T]) Subscribe(fn func(T, Phase)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *StateProxy[T]) applyPayload(payload json.RawMessage, origin string) {
	var next T
	if err := json.Unmarshal(payload, &next); err != nil {
		p.logger.Warn("failed to decode state payload",
			zap.String("push", p.pushType), zap.String("origin", origin), zap.Error(err))
		return
	}
	p.install(next)
}

// applyInitial applies the initial snapshot unless a push already made the
// proxy ready; in that case the reply is stale and dropped.
func (p *StateProxy[T]) applyInitial(payload json.RawMessage) {
	p.mu.Lock()
	ready := p.phase == PhaseReady
	p.mu.Unlock()
	if ready {
		p.logger.Debug("dropping initial state reply, push arrived first",
			zap.String("type", p.requestType))
		return
	}
	p.applyPayload(payload, "initial")
}

func (p *StateProxy[T]) install(next T) {
	p.mu.Lock()
	p.state = next
	p.phase = PhaseReady
	subs := make([]func(T, Phase), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	for _, fn := range subs {
		fn(next, PhaseReady)
	}
}

func (p *StateProxy[T]) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// markTimedOut transitions to timed-out only if still waiting; a push that
// landed meanwhile wins.
func (p *StateProxy[T]) markTimedOut() {
	p.mu.Lock()
	if p.phase != PhaseRequestingInitial {
		p.mu.Unlock()
		return
	}
	p.phase = PhaseTimedOut
	state := p.state
	subs := make([]func(T, Phase), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()

	p.logger.Warn("initial state request timed out", zap.String("type", p.requestType))
	for _, fn := range subs {
		fn(state, PhaseTimedOut)
	}
}
