package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
)

// State is the lifecycle state of an instance.
type State int

// Instance states. An instance moves strictly forward.
const (
	StateCreated State = iota
	StateRunning
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Node is one running instance of a node type.
//
// Every instance owns an unbounded FIFO inbox drained by a single goroutine,
// so Receive is never called concurrently for one instance and messages on
// one wire are processed in the order they were sent. Deliveries made before
// Start are queued; deliveries made once Close has begun are rejected.
type Node struct {
	cfg      Config
	behavior Behavior
	router   Router
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	queue []message.Message
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}

	statusMu sync.RWMutex
	status   Status
	lastErr  error
}

// New builds an instance. The definition's factory is called once.
func New(cfg Config, def Definition, router Router, logger *slog.Logger) (*Node, error) {
	if def.Factory == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("type %q has no factory", def.Type), "Node", "New", "validate definition")
	}
	if router == nil {
		router = noopRouter{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	behavior, err := def.Factory(cfg)
	if err != nil {
		return nil, &errors.NodeRuntimeError{NodeID: cfg.ID, NodeType: cfg.Type, Hook: "create", Err: err}
	}
	if behavior == nil {
		return nil, &errors.NodeRuntimeError{NodeID: cfg.ID, NodeType: cfg.Type, Hook: "create",
			Err: fmt.Errorf("factory returned no behavior")}
	}

	attrs := []any{"node", cfg.ID, "type", cfg.Type}
	if cfg.FlowID != "" {
		attrs = append(attrs, "flow", cfg.FlowID)
	}
	if cfg.Name != "" {
		attrs = append(attrs, "name", cfg.Name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:      cfg,
		behavior: behavior,
		router:   router,
		logger:   logger.With(attrs...),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// ID returns the instance id.
func (n *Node) ID() string { return n.cfg.ID }

// Type returns the node type name.
func (n *Node) Type() string { return n.cfg.Type }

// Name returns the configured name.
func (n *Node) Name() string { return n.cfg.Name }

// FlowID returns the id of the owning flow tab, or "".
func (n *Node) FlowID() string { return n.cfg.FlowID }

// Config returns the resolved configuration.
func (n *Node) Config() Config { return n.cfg }

// Wires returns the output wiring.
func (n *Node) Wires() [][]string { return n.cfg.Wires }

// Behavior returns the type-specific behavior.
func (n *Node) Behavior() Behavior { return n.behavior }

// Logger returns a logger carrying the instance attributes.
func (n *Node) Logger() *slog.Logger { return n.logger }

// Context is cancelled when the instance closes. Behaviors use it for work
// that outlives a single hook call.
func (n *Node) Context() context.Context { return n.ctx }

// State returns the lifecycle state.
func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Start runs the behavior's Init hook and then begins draining the inbox.
// Starting an instance twice fails with ErrAlreadyStarted.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateCreated {
		n.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Node", "Start", "start "+n.cfg.ID)
	}
	n.mu.Unlock()

	if initer, ok := n.behavior.(Initializer); ok {
		if err := n.call("init", func() error { return initer.Init(ctx, n) }); err != nil {
			n.mu.Lock()
			n.state = StateClosed
			n.queue = nil
			n.mu.Unlock()
			n.cancel()
			close(n.done)
			return err
		}
	}

	n.mu.Lock()
	if n.state != StateCreated {
		// closed while Init was running
		n.mu.Unlock()
		close(n.done)
		if closer, ok := n.behavior.(Closer); ok {
			_ = n.call("close", func() error { return closer.Close(ctx, n) })
		}
		return errors.WrapInvalid(errors.ErrNodeClosed, "Node", "Start", "start "+n.cfg.ID)
	}
	n.state = StateRunning
	pending := len(n.queue)
	n.mu.Unlock()

	go n.run()
	if pending > 0 {
		n.signal()
	}
	return nil
}

// Deliver enqueues msg. It returns false once the instance is closing.
func (n *Node) Deliver(msg message.Message) bool {
	n.mu.Lock()
	if n.state >= StateClosing {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, msg)
	n.mu.Unlock()
	n.signal()
	return true
}

// Pending returns the number of queued messages.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Node) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) next() (message.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != StateRunning || len(n.queue) == 0 {
		return nil, false
	}
	msg := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	return msg, true
}

func (n *Node) run() {
	defer close(n.done)
	for {
		msg, ok := n.next()
		if !ok {
			select {
			case <-n.wake:
				continue
			case <-n.quit:
				return
			}
		}
		if err := n.call("receive", func() error { return n.behavior.Receive(n.ctx, n, msg) }); err != nil {
			n.Error(err, msg)
		}
	}
}

// call runs a hook, converting errors and panics into NodeRuntimeError.
func (n *Node) call(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errors.NodeRuntimeError{
				NodeID: n.cfg.ID, NodeType: n.cfg.Type, Hook: hook,
				Err: fmt.Errorf("%v", r), Panic: true,
			}
		}
	}()
	if hookErr := fn(); hookErr != nil {
		var nre *errors.NodeRuntimeError
		if errors.As(hookErr, &nre) {
			return hookErr
		}
		return &errors.NodeRuntimeError{NodeID: n.cfg.ID, NodeType: n.cfg.Type, Hook: hook, Err: hookErr}
	}
	return nil
}

// Close stops accepting deliveries, waits for the message being processed,
// discards queued messages and runs the behavior's Close hook. When ctx
// expires first, the instance context is cancelled and Close keeps waiting:
// the hook never runs while Receive is executing. Close is idempotent.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	prev := n.state
	if prev >= StateClosing {
		n.mu.Unlock()
		return nil
	}
	n.state = StateClosing
	dropped := len(n.queue)
	n.queue = nil
	n.mu.Unlock()

	close(n.quit)
	if prev == StateRunning {
		select {
		case <-n.done:
		case <-ctx.Done():
			n.logger.Warn("Timed out waiting for node to finish processing, cancelling", "error", ctx.Err())
			n.cancel()
			<-n.done
		}
	}
	n.cancel()

	if dropped > 0 {
		n.logger.Debug("Discarded queued messages on close", "count", dropped)
	}

	var err error
	if closer, ok := n.behavior.(Closer); ok && prev == StateRunning {
		err = n.call("close", func() error { return closer.Close(ctx, n) })
	}

	n.mu.Lock()
	n.state = StateClosed
	n.mu.Unlock()
	return err
}

// Done is closed when the inbox loop has exited.
func (n *Node) Done() <-chan struct{} { return n.done }

// Status records and publishes a status update.
func (n *Node) Status(st Status) {
	n.statusMu.Lock()
	n.status = st
	n.statusMu.Unlock()
	n.router.HandleStatus(n, st)
}

// CurrentStatus returns the last status set.
func (n *Node) CurrentStatus() Status {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.status
}

// Error records a fault raised while handling msg and routes it to the catch
// nodes of the flow. Uncaught errors are logged.
func (n *Node) Error(err error, msg message.Message) {
	if err == nil {
		return
	}
	n.statusMu.Lock()
	n.lastErr = err
	n.statusMu.Unlock()

	if n.router.HandleError(n, err, msg) {
		n.logger.Debug("Node error caught", "error", err)
		return
	}
	n.logger.Error("Node error", "error", err)
}

// LastError returns the most recent error raised by the instance.
func (n *Node) LastError() error {
	n.statusMu.RLock()
	defer n.statusMu.RUnlock()
	return n.lastErr
}

// Emit publishes a runtime event on behalf of the instance.
func (n *Node) Emit(topic string, data any) {
	n.router.Emit(Event{Topic: topic, Data: data})
}
