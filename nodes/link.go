package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
)

// Message keys used by the link nodes
const (
	// KeyLinkSource holds the stack of pending link calls, innermost last.
	// Each entry is {"id": <link call id>, "requestId": <uuid>}.
	KeyLinkSource = "_linkSource"
	// KeyLinkReturn marks a message travelling back to a link call.
	KeyLinkReturn = "_linkReturn"
)

// Link out modes
const (
	LinkModeLink   = "link"
	LinkModeReturn = "return"
)

// linkOut forwards to link in nodes by id, or returns a message to the link
// call that sent it.
type linkOut struct {
	mode  string
	links []string
}

func newLinkOut(cfg node.Config) (node.Behavior, error) {
	mode := cfg.String("mode", LinkModeLink)
	if mode != LinkModeLink && mode != LinkModeReturn {
		return nil, errors.WrapInvalid(fmt.Errorf("unsupported mode %q", mode), "linkOut", "newLinkOut", "validate mode")
	}
	return &linkOut{mode: mode, links: cfg.Strings("links")}, nil
}

func (l *linkOut) Receive(_ context.Context, n *node.Node, msg message.Message) error {
	if l.mode == LinkModeLink {
		for _, target := range l.links {
			if !n.SendTo(target, msg) {
				n.Logger().Debug("Link target unavailable", "target", target)
			}
		}
		return nil
	}

	frame, ok := popLinkSource(msg)
	if !ok {
		return fmt.Errorf("link return without a pending link call")
	}
	msg[KeyLinkReturn] = frame.requestID
	if !n.SendTo(frame.nodeID, msg) {
		return fmt.Errorf("link call %s is not running", frame.nodeID)
	}
	return nil
}

type linkFrame struct {
	nodeID    string
	requestID string
}

func linkStack(msg message.Message) []any {
	stack, _ := msg[KeyLinkSource].([]any)
	return stack
}

func pushLinkSource(msg message.Message, f linkFrame) {
	msg[KeyLinkSource] = append(linkStack(msg), map[string]any{"id": f.nodeID, "requestId": f.requestID})
}

func popLinkSource(msg message.Message) (linkFrame, bool) {
	stack := linkStack(msg)
	if len(stack) == 0 {
		return linkFrame{}, false
	}
	top, _ := stack[len(stack)-1].(map[string]any)
	id, _ := top["id"].(string)
	req, _ := top["requestId"].(string)
	if len(stack) == 1 {
		delete(msg, KeyLinkSource)
	} else {
		msg[KeyLinkSource] = stack[:len(stack)-1]
	}
	return linkFrame{nodeID: id, requestID: req}, id != ""
}

// linkCall sends a message to a link in node and waits for a link out in
// return mode to send it back. A request that gets no reply within the
// timeout is raised as a LinkTimeoutError on the original message.
type linkCall struct {
	target  string
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCall
}

type pendingCall struct {
	timer *time.Timer
}

func linkCallFactory(defaultTimeout time.Duration) node.Factory {
	return func(cfg node.Config) (node.Behavior, error) {
		links := cfg.Strings("links")
		if len(links) == 0 {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "linkCall", "new", "validate links")
		}
		return &linkCall{
			target:  links[0],
			timeout: cfg.Seconds("timeout", defaultTimeout),
			pending: make(map[string]*pendingCall),
		}, nil
	}
}

func (l *linkCall) Receive(_ context.Context, n *node.Node, msg message.Message) error {
	if reqID, ok := msg[KeyLinkReturn].(string); ok {
		delete(msg, KeyLinkReturn)
		l.mu.Lock()
		call, found := l.pending[reqID]
		delete(l.pending, reqID)
		l.mu.Unlock()
		if !found {
			n.Logger().Debug("Discarded late link reply", "request", reqID)
			return nil
		}
		call.timer.Stop()
		n.Send(msg)
		return nil
	}

	reqID := uuid.NewString()
	original := msg.Clone()
	call := &pendingCall{}

	l.mu.Lock()
	l.pending[reqID] = call
	call.timer = time.AfterFunc(l.timeout, func() { l.expire(n, reqID, original) })
	l.mu.Unlock()

	pushLinkSource(msg, linkFrame{nodeID: n.ID(), requestID: reqID})
	if !n.SendTo(l.target, msg) {
		l.cancel(reqID)
		return fmt.Errorf("link target %s is not running", l.target)
	}
	return nil
}

func (l *linkCall) cancel(reqID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if call, ok := l.pending[reqID]; ok {
		call.timer.Stop()
		delete(l.pending, reqID)
	}
}

func (l *linkCall) expire(n *node.Node, reqID string, msg message.Message) {
	l.mu.Lock()
	_, ok := l.pending[reqID]
	delete(l.pending, reqID)
	l.mu.Unlock()
	if !ok || n.Context().Err() != nil {
		return
	}
	n.Error(&errors.LinkTimeoutError{NodeID: n.ID(), RequestID: reqID, Timeout: l.timeout}, msg)
}

// Close cancels every pending request.
func (l *linkCall) Close(_ context.Context, _ *node.Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, call := range l.pending {
		call.timer.Stop()
		delete(l.pending, id)
	}
	return nil
}

// Pending returns the number of requests awaiting a reply.
func (l *linkCall) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
