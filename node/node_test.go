package node

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/message"
)

// mapRouter delivers between instances registered in it.
type mapRouter struct {
	mu       sync.Mutex
	nodes    map[string]*Node
	errs     []error
	statuses []Status
	events   []Event
	catchAll bool
}

func newMapRouter() *mapRouter {
	return &mapRouter{nodes: map[string]*Node{}}
}

func (r *mapRouter) add(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID()] = n
}

func (r *mapRouter) Deliver(_ *Node, target string, msg message.Message) bool {
	r.mu.Lock()
	t, ok := r.nodes[target]
	r.mu.Unlock()
	return ok && t.Deliver(msg)
}

func (r *mapRouter) HandleError(_ *Node, err error, _ message.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	return r.catchAll
}

func (r *mapRouter) HandleStatus(_ *Node, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *mapRouter) Emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *mapRouter) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// recorder captures every received message.
type recorder struct {
	got     chan message.Message
	fail    error
	panics  bool
	initErr error
	closeFn func() error
	inits   int
	closes  int
	mu      sync.Mutex
}

func newRecorder() *recorder {
	return &recorder{got: make(chan message.Message, 100)}
}

func (r *recorder) Receive(_ context.Context, _ *Node, msg message.Message) error {
	if r.panics {
		panic("boom")
	}
	r.got <- msg
	return r.fail
}

func (r *recorder) Init(context.Context, *Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inits++
	return r.initErr
}

func (r *recorder) Close(context.Context, *Node) error {
	r.mu.Lock()
	r.closes++
	fn := r.closeFn
	r.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *recorder) next(t *testing.T) message.Message {
	t.Helper()
	select {
	case m := <-r.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func definition(b Behavior) Definition {
	return Definition{Type: "test", Factory: func(Config) (Behavior, error) { return b, nil }}
}

func build(t *testing.T, r Router, id string, wires [][]string, b Behavior) *Node {
	t.Helper()
	n, err := New(Config{ID: id, Type: "test", Wires: wires}, definition(b), r, nil)
	require.NoError(t, err)
	if mr, ok := r.(*mapRouter); ok {
		mr.add(n)
	}
	return n
}

func TestStartRunsInitOnce(t *testing.T) {
	rec := newRecorder()
	n := build(t, newMapRouter(), "a", nil, rec)

	require.NoError(t, n.Start(context.Background()))
	err := n.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	assert.Equal(t, 1, rec.inits)
	assert.Equal(t, StateRunning, n.State())

	require.NoError(t, n.Close(context.Background()))
}

func TestInitFailure(t *testing.T) {
	rec := newRecorder()
	rec.initErr = stderrors.New("port in use")
	n := build(t, newMapRouter(), "a", nil, rec)

	err := n.Start(context.Background())
	var nre *errors.NodeRuntimeError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "init", nre.Hook)
	assert.Equal(t, StateClosed, n.State())
	assert.False(t, n.Deliver(message.New()))
}

func TestFactoryFailure(t *testing.T) {
	def := Definition{Type: "bad", Factory: func(Config) (Behavior, error) { return nil, stderrors.New("missing url") }}
	_, err := New(Config{ID: "x", Type: "bad"}, def, nil, nil)

	var nre *errors.NodeRuntimeError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "create", nre.Hook)
}

func TestDeliveriesBeforeStartAreQueued(t *testing.T) {
	rec := newRecorder()
	n := build(t, newMapRouter(), "a", nil, rec)

	require.True(t, n.Deliver(message.Message{"seq": 1}))
	require.True(t, n.Deliver(message.Message{"seq": 2}))
	assert.Equal(t, 2, n.Pending())

	require.NoError(t, n.Start(context.Background()))
	assert.Equal(t, 1, rec.next(t)["seq"])
	assert.Equal(t, 2, rec.next(t)["seq"])
	require.NoError(t, n.Close(context.Background()))
}

func TestOrderingWithinWire(t *testing.T) {
	r := newMapRouter()
	rec := newRecorder()
	src := build(t, r, "src", [][]string{{"dst"}}, BehaviorFunc(func(context.Context, *Node, message.Message) error { return nil }))
	dst := build(t, r, "dst", nil, rec)
	require.NoError(t, dst.Start(context.Background()))

	const count = 50
	for i := 0; i < count; i++ {
		src.Send(message.Message{"seq": i})
	}
	for i := 0; i < count; i++ {
		assert.Equal(t, i, rec.next(t)["seq"])
	}
	require.NoError(t, dst.Close(context.Background()))
}

func TestSendClonesPerDestination(t *testing.T) {
	r := newMapRouter()
	left, right := newRecorder(), newRecorder()
	src := build(t, r, "src", [][]string{{"l", "r"}}, BehaviorFunc(func(context.Context, *Node, message.Message) error { return nil }))
	l := build(t, r, "l", nil, left)
	rt := build(t, r, "r", nil, right)
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, rt.Start(context.Background()))

	orig := message.Message{"payload": map[string]any{"v": 1}}
	src.Send(orig)

	a, b := left.next(t), right.next(t)
	a["payload"].(map[string]any)["v"] = 2
	assert.Equal(t, 1, b["payload"].(map[string]any)["v"])
	assert.Equal(t, 1, orig["payload"].(map[string]any)["v"])
	assert.Equal(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.ID())

	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, rt.Close(context.Background()))
}

func TestSendAllSkipsEmptyPorts(t *testing.T) {
	r := newMapRouter()
	p0, p1, p2 := newRecorder(), newRecorder(), newRecorder()
	src := build(t, r, "src", [][]string{{"p0"}, {"p1"}, {"p2"}}, BehaviorFunc(func(context.Context, *Node, message.Message) error { return nil }))
	for id, rec := range map[string]*recorder{"p0": p0, "p1": p1, "p2": p2} {
		require.NoError(t, build(t, r, id, nil, rec).Start(context.Background()))
	}

	src.SendAll([][]message.Message{
		{message.Message{"port": 0}},
		nil,
		{message.Message{"port": 2, "n": 1}, message.Message{"port": 2, "n": 2}},
		{message.Message{"port": 3}},
	})

	assert.Equal(t, 0, p0.next(t)["port"])
	assert.Equal(t, 1, p2.next(t)["n"])
	assert.Equal(t, 2, p2.next(t)["n"])
	select {
	case m := <-p1.got:
		t.Fatalf("port 1 must not receive, got %v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReceiveErrorIsRouted(t *testing.T) {
	r := newMapRouter()
	rec := newRecorder()
	rec.fail = stderrors.New("bad payload")
	n := build(t, r, "a", nil, rec)
	require.NoError(t, n.Start(context.Background()))

	n.Deliver(message.New())
	rec.next(t)

	require.Eventually(t, func() bool { return len(r.errors()) == 1 }, time.Second, 5*time.Millisecond)
	var nre *errors.NodeRuntimeError
	require.ErrorAs(t, r.errors()[0], &nre)
	assert.Equal(t, "receive", nre.Hook)
	assert.Equal(t, "a", nre.NodeID)
	assert.ErrorAs(t, n.LastError(), &nre)

	require.NoError(t, n.Close(context.Background()))
}

func TestReceivePanicIsRecovered(t *testing.T) {
	r := newMapRouter()
	rec := newRecorder()
	rec.panics = true
	n := build(t, r, "a", nil, rec)
	require.NoError(t, n.Start(context.Background()))

	n.Deliver(message.New())
	n.Deliver(message.New())

	require.Eventually(t, func() bool { return len(r.errors()) == 2 }, time.Second, 5*time.Millisecond)
	var nre *errors.NodeRuntimeError
	require.ErrorAs(t, r.errors()[0], &nre)
	assert.True(t, nre.Panic)
	assert.Equal(t, StateRunning, n.State())

	require.NoError(t, n.Close(context.Background()))
}

func TestCloseRejectsDeliveriesAndRunsHookOnce(t *testing.T) {
	rec := newRecorder()
	n := build(t, newMapRouter(), "a", nil, rec)
	require.NoError(t, n.Start(context.Background()))

	require.NoError(t, n.Close(context.Background()))
	require.NoError(t, n.Close(context.Background()))

	assert.Equal(t, 1, rec.closeCount())
	assert.Equal(t, StateClosed, n.State())
	assert.False(t, n.Deliver(message.New()))
	assert.Error(t, n.Context().Err())
}

func TestCloseWaitsForInflightReceive(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	b := BehaviorFunc(func(context.Context, *Node, message.Message) error {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	})
	n := build(t, newMapRouter(), "a", nil, b)
	require.NoError(t, n.Start(context.Background()))
	n.Deliver(message.New())
	<-started

	closed := make(chan error)
	go func() { closed <- n.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("close returned while receive was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-closed)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

// slowReceiver keeps processing past the instance context and records
// whether its Close hook overlapped a Receive.
type slowReceiver struct {
	started  chan struct{}
	mu       sync.Mutex
	inflight bool
	overlap  bool
}

func (s *slowReceiver) Receive(ctx context.Context, _ *Node, _ message.Message) error {
	s.mu.Lock()
	s.inflight = true
	s.mu.Unlock()
	close(s.started)

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)

	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
	return nil
}

func (s *slowReceiver) Close(context.Context, *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlap = s.inflight
	return nil
}

func TestCloseTimeoutStillWaitsForReceive(t *testing.T) {
	b := &slowReceiver{started: make(chan struct{})}
	n := build(t, newMapRouter(), "a", nil, b)
	require.NoError(t, n.Start(context.Background()))
	n.Deliver(message.New())
	<-b.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.NoError(t, n.Close(ctx))

	select {
	case <-n.Done():
	default:
		t.Fatal("close returned before the inbox loop exited")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.False(t, b.overlap, "close hook ran while receive was executing")
	assert.False(t, b.inflight)
}

func TestCloseHookErrorIsReturned(t *testing.T) {
	rec := newRecorder()
	rec.closeFn = func() error { return stderrors.New("unsubscribe failed") }
	n := build(t, newMapRouter(), "a", nil, rec)
	require.NoError(t, n.Start(context.Background()))

	err := n.Close(context.Background())
	var nre *errors.NodeRuntimeError
	require.ErrorAs(t, err, &nre)
	assert.Equal(t, "close", nre.Hook)
}

func TestCloseUnstartedSkipsHook(t *testing.T) {
	rec := newRecorder()
	n := build(t, newMapRouter(), "a", nil, rec)

	require.NoError(t, n.Close(context.Background()))
	assert.Equal(t, 0, rec.closeCount())
	assert.ErrorIs(t, n.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestStatusAndEmit(t *testing.T) {
	r := newMapRouter()
	n := build(t, r, "a", nil, newRecorder())

	n.Status(Status{Fill: "green", Shape: "dot", Text: "connected"})
	n.Emit(TopicDebug, "hello")

	assert.Equal(t, Status{Fill: "green", Shape: "dot", Text: "connected"}, n.CurrentStatus())
	require.Len(t, r.statuses, 1)
	require.Len(t, r.events, 1)
	assert.Equal(t, TopicDebug, r.events[0].Topic)
	assert.True(t, Status{}.IsZero())
}
