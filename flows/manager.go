// Package flows runs the active flow generation: it builds node instances
// from a flow document, routes messages and errors between them and applies
// full or partial redeploys.
//
// The manager moves through Empty, Loading, Running and Stopping. Deploys
// are serialized; within one deploy all stop work finishes before any start
// work begins, and credentials are persisted before the flow document, which
// is persisted before any instance starts.
package flows

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c360/nodeflow/credentials"
	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/health"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/node"
)

// State is the lifecycle state of the manager.
type State int

// Manager states
const (
	StateEmpty State = iota
	StateLoading
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Node types the manager routes errors and status updates to.
const (
	CatchType  = "catch"
	StatusType = "status"
)

// Defaults
const (
	DefaultStopTimeout   = 15 * time.Second
	DefaultMaxCatchDepth = 10
)

// FlowStorage persists the credential-stripped flow document.
type FlowStorage interface {
	GetFlows(ctx context.Context) (flowstore.Flows, string, error)
	SaveFlows(ctx context.Context, flows flowstore.Flows) (string, error)
}

// TypeResolver resolves a node type name to an instantiable definition.
type TypeResolver interface {
	Resolve(nodeType string) (node.Definition, error)
}

// EventSink receives runtime events: status, debug, error and deploy.
type EventSink interface {
	Publish(ev node.Event)
}

// Config tunes the manager.
type Config struct {
	// StopTimeout bounds the wait for one instance to close.
	StopTimeout time.Duration
	// MaxCatchDepth is the number of times one message may be caught for
	// errors raised by the same node before it is dropped.
	MaxCatchDepth int
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.MaxCatchDepth <= 0 {
		c.MaxCatchDepth = DefaultMaxCatchDepth
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithEventSink publishes runtime events to sink.
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithMetrics registers the manager metrics with registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) { m.metricsRegistry = registry }
}

// WithConfig sets the tuning parameters.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// Manager owns the active flow generation.
type Manager struct {
	storage FlowStorage
	types   TypeResolver
	creds   *credentials.Store
	sink    EventSink
	logger  *slog.Logger
	cfg     Config

	metricsRegistry *metric.MetricsRegistry
	metrics         *managerMetrics

	// deployMu serializes Load, StartFlows, SetFlows and StopFlows.
	deployMu sync.Mutex

	mu       sync.RWMutex
	state    State
	flows    flowstore.Flows
	rev      string
	nodes    map[string]*node.Node
	missing  map[string]MissingType
	starting map[string]int          // node type -> instances being started
	catchers map[string][]*node.Node // flow id -> catch nodes
	statuses map[string][]*node.Node // flow id -> status nodes
}

var _ node.Router = (*Manager)(nil)

// NewManager creates a manager in the Empty state.
func NewManager(storage FlowStorage, types TypeResolver, creds *credentials.Store, opts ...Option) *Manager {
	m := &Manager{
		storage:  storage,
		types:    types,
		creds:    creds,
		logger:   slog.Default(),
		nodes:    make(map[string]*node.Node),
		missing:  make(map[string]MissingType),
		starting: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	m.logger = m.logger.With("component", "flows")

	metrics, err := newManagerMetrics(m.metricsRegistry)
	if err != nil {
		m.logger.Error("Failed to initialize flow metrics", "error", err)
		metrics = nil
	}
	m.metrics = metrics
	return m
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Flows returns a copy of the active flow document.
func (m *Manager) Flows() flowstore.Flows {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flows.Clone()
}

// Revision returns the revision of the active flow document.
func (m *Manager) Revision() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rev
}

// Node returns the live instance with id.
func (m *Manager) Node(id string) (*node.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// ActiveNodes returns the ids of the live instances, sorted.
func (m *Manager) ActiveNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Missing returns the configured nodes currently skipped for a missing
// type, sorted by id.
func (m *Manager) Missing() []MissingType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.missingLocked()
}

func (m *Manager) missingLocked() []MissingType {
	out := make([]MissingType, 0, len(m.missing))
	for _, mt := range m.missing {
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TypeInUse reports whether a live instance of nodeType exists or one is
// being started. It lets the registry reject disabling types in use.
func (m *Manager) TypeInUse(nodeType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.starting[nodeType] > 0 {
		return true
	}
	for _, n := range m.nodes {
		if n.Type() == nodeType {
			return true
		}
	}
	return false
}

// Load reads the persisted flow document, loads the credential cache and
// starts the generation. It fails with ErrAlreadyStarted unless the manager
// is Empty. On failure the manager is left Empty.
func (m *Manager) Load(ctx context.Context) (*Report, error) {
	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	if err := m.beginLoading(); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "Load", "check state")
	}

	cfg, rev, err := m.storage.GetFlows(ctx)
	if err != nil {
		m.setState(StateEmpty)
		m.logger.Warn("Failed to load flows", "error", err)
		return nil, errors.Wrap(err, "Manager", "Load", "read flows")
	}

	m.creds.Load(ctx)
	return m.startGeneration(ctx, cfg, rev, FullDeploy)
}

// StartFlows starts the last deployed document again after StopFlows.
func (m *Manager) StartFlows(ctx context.Context) (*Report, error) {
	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	if err := m.beginLoading(); err != nil {
		return nil, errors.WrapInvalid(err, "Manager", "StartFlows", "check state")
	}

	m.mu.RLock()
	cfg, rev := m.flows.Clone(), m.rev
	m.mu.RUnlock()
	return m.startGeneration(ctx, cfg, rev, FullDeploy)
}

func (m *Manager) beginLoading() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateEmpty {
		return errors.ErrAlreadyStarted
	}
	m.state = StateLoading
	return nil
}

// startGeneration starts every node of cfg. Caller holds deployMu and has
// moved the manager to Loading.
func (m *Manager) startGeneration(ctx context.Context, cfg flowstore.Flows, rev string, typ DeployType) (*Report, error) {
	m.mu.Lock()
	m.flows = cfg
	m.rev = rev
	m.missing = make(map[string]MissingType)
	m.mu.Unlock()

	report := &Report{Rev: rev, Type: typ}
	m.startNodes(ctx, cfg, nodeIDs(cfg), report)

	if err := ctx.Err(); err != nil {
		m.setState(StateStopping)
		m.stopNodes(context.WithoutCancel(ctx), m.ActiveNodes())
		m.setState(StateEmpty)
		m.logger.Warn("Flow start interrupted", "error", err)
		return nil, errors.WrapTransient(err, "Manager", "startGeneration", "start flows")
	}

	m.setState(StateRunning)
	m.finishReport(report)
	return report, nil
}

// SetFlows deploys cfg. Credentials are extracted from a copy of cfg and
// persisted, then the stripped document is persisted, then the running
// generation is updated according to deployType. A persistence failure
// aborts the deploy with a DeployError and leaves the running generation
// untouched.
func (m *Manager) SetFlows(ctx context.Context, cfg flowstore.Flows, deployType DeployType) (report *Report, err error) {
	start := time.Now()
	defer func() {
		m.metrics.recordDeploy(deployType, err == nil, time.Since(start).Seconds())
	}()

	if _, perr := ParseDeployType(string(deployType)); perr != nil {
		return nil, perr
	}
	if verr := cfg.Validate(); verr != nil {
		return nil, &errors.DeployError{Err: verr}
	}

	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	next := cfg.Clone()
	snap := m.creds.Snapshot()
	credChanged := make(map[string]bool)
	for i := range next {
		if m.creds.Extract(&next[i]) {
			credChanged[next[i].ID] = true
		}
	}
	if cerr := m.creds.Clean(ctx, next); cerr != nil {
		m.creds.Restore(snap)
		return nil, m.deployError(next, credChanged, cerr)
	}
	if m.creds.Dirty() {
		if cerr := m.creds.Save(ctx); cerr != nil {
			m.creds.Restore(snap)
			return nil, m.deployError(next, credChanged, cerr)
		}
	}

	rev, serr := m.storage.SaveFlows(ctx, next)
	if serr != nil {
		if m.creds.Restore(snap) {
			if cerr := m.creds.Save(ctx); cerr != nil {
				m.logger.Error("Failed to roll back credentials", "error", cerr)
			}
		}
		return nil, m.deployError(next, nil, serr)
	}

	// The new document is persisted: the running generation is updated to
	// match it even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)

	if deployType == FullDeploy || m.State() != StateRunning {
		var stopped []string
		if m.State() == StateRunning {
			m.setState(StateStopping)
			stopped = m.stopNodes(runCtx, m.ActiveNodes())
		}
		m.setState(StateLoading)
		report, err = m.startGeneration(runCtx, next, rev, deployType)
		if report != nil {
			report.Stopped = stopped
		}
		return report, err
	}

	m.mu.RLock()
	prev := m.flows
	m.mu.RUnlock()

	diff := ComputeDiff(prev, next, deployType, credChanged)
	startSet := diff.StartSet()
	for _, id := range diff.Unchanged {
		if _, live := m.Node(id); !live {
			startSet = append(startSet, id)
		}
	}

	report = &Report{Rev: rev, Type: deployType, Diff: diff}
	report.Stopped = m.stopNodes(runCtx, diff.StopSet())

	m.mu.Lock()
	m.flows = next
	m.rev = rev
	for _, id := range startSet {
		delete(m.missing, id)
	}
	for _, id := range diff.Removed {
		delete(m.missing, id)
	}
	m.mu.Unlock()

	m.startNodes(runCtx, next, startSet, report)
	m.metrics.recordRestarts(len(diff.Changed) + len(diff.Linked))
	m.finishReport(report)
	return report, nil
}

func (m *Manager) deployError(cfg flowstore.Flows, affected map[string]bool, err error) error {
	var labels []string
	for i := range cfg {
		n := &cfg[i]
		if n.IsTab() {
			continue
		}
		if len(affected) == 0 || affected[n.ID] {
			labels = append(labels, n.Label())
		}
	}
	m.logger.Error("Deploy aborted", "nodes", len(labels), "error", err)
	return &errors.DeployError{Nodes: labels, Err: err}
}

// StopFlows stops the instances named by diff, or the whole generation when
// diff is nil. Close failures are logged, never returned. Stopping the whole
// generation fails with ErrNotStarted unless it is running.
func (m *Manager) StopFlows(ctx context.Context, diff *Diff) error {
	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	if diff != nil {
		m.stopNodes(ctx, diff.StopSet())
		return nil
	}

	if m.State() != StateRunning {
		return errors.WrapInvalid(errors.ErrNotStarted, "Manager", "StopFlows", "check state")
	}
	m.setState(StateStopping)
	stopped := m.stopNodes(ctx, m.ActiveNodes())
	m.setState(StateEmpty)
	m.logger.Info("Flows stopped", "nodes", len(stopped))
	return nil
}

// Inject delivers msg to the instance id as if it arrived on its input.
func (m *Manager) Inject(ctx context.Context, id string, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Manager", "Inject", "check context")
	}
	n, ok := m.Node(id)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNodeNotFound, id), "Manager", "Inject", "lookup node")
	}
	if msg == nil {
		msg = message.New()
	}
	msg.EnsureID()
	if !n.Deliver(msg) {
		return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrNodeClosed, id), "Manager", "Inject", "deliver")
	}
	return nil
}

// Health reports the generation state, the number of live instances, the
// instances that raised an error and the missing types.
func (m *Manager) Health() health.Status {
	m.mu.RLock()
	state := m.state
	active := len(m.nodes)
	missing := len(m.missing)
	rev := m.rev
	faulted := 0
	for _, n := range m.nodes {
		if n.LastError() != nil {
			faulted++
		}
	}
	m.mu.RUnlock()

	var s health.Status
	switch {
	case state != StateRunning:
		s = health.NewDegraded("flows", "flows "+state.String())
	case missing > 0:
		s = health.NewDegraded("flows", fmt.Sprintf("%d nodes waiting for missing types", missing))
	default:
		s = health.NewHealthy("flows", "flows running")
	}
	return s.WithDetail("state", state.String()).
		WithDetail("nodes", strconv.Itoa(active)).
		WithDetail("missing", strconv.Itoa(missing)).
		WithDetail("errors", strconv.Itoa(faulted)).
		WithDetail("rev", rev)
}

// startNodes builds the instances ids of cfg, makes them routable and then
// starts them in order. Results are appended to report.
func (m *Manager) startNodes(ctx context.Context, cfg flowstore.Flows, ids []string, report *Report) {
	byID := cfg.ByID()
	built := make([]*node.Node, 0, len(ids))

	// Types are claimed before they are resolved so that a concurrent
	// Disable either fails with TypeInUseError or is seen by Resolve.
	var claimed []string
	m.mu.Lock()
	for _, id := range ids {
		if c, ok := byID[id]; ok && !c.IsTab() {
			m.starting[c.Type]++
			claimed = append(claimed, c.Type)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		c, ok := byID[id]
		if !ok || c.IsTab() {
			continue
		}
		def, err := m.types.Resolve(c.Type)
		if err != nil {
			m.mu.Lock()
			m.missing[id] = MissingType{ID: id, Type: c.Type, Reason: err.Error()}
			m.mu.Unlock()
			m.logger.Warn("Skipping node with missing type", "node", id, "type", c.Type, "error", err)
			continue
		}
		n, err := node.New(m.nodeConfig(c), def, m, m.logger)
		if err != nil {
			report.Failed = append(report.Failed, FailedNode{ID: id, Type: c.Type, Error: err.Error()})
			m.logger.Error("Failed to create node", "node", id, "type", c.Type, "error", err)
			continue
		}
		built = append(built, n)
	}

	m.mu.Lock()
	routable := built[:0]
	for _, n := range built {
		if _, exists := m.nodes[n.ID()]; exists {
			report.Failed = append(report.Failed, FailedNode{ID: n.ID(), Type: n.Type(), Error: errors.ErrAlreadyStarted.Error()})
			continue
		}
		m.nodes[n.ID()] = n
		routable = append(routable, n)
	}
	for _, t := range claimed {
		if m.starting[t]--; m.starting[t] <= 0 {
			delete(m.starting, t)
		}
	}
	m.reindexLocked()
	m.mu.Unlock()

	for _, n := range routable {
		if err := n.Start(ctx); err != nil {
			m.removeNode(n)
			report.Failed = append(report.Failed, FailedNode{ID: n.ID(), Type: n.Type(), Error: err.Error()})
			m.logger.Error("Failed to start node", "node", n.ID(), "type", n.Type(), "error", err)
			continue
		}
		report.Started = append(report.Started, n.ID())
	}
}

// stopNodes removes ids from the routing table and closes them in parallel,
// waiting for every close to settle. It returns the ids stopped.
func (m *Manager) stopNodes(ctx context.Context, ids []string) []string {
	m.mu.Lock()
	targets := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := m.nodes[id]; ok {
			targets = append(targets, n)
			delete(m.nodes, id)
		}
	}
	m.reindexLocked()
	m.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	errorChan := make(chan error, len(targets))
	var wg sync.WaitGroup
	for _, n := range targets {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			closeCtx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
			defer cancel()
			if err := n.Close(closeCtx); err != nil {
				errorChan <- err
			}
		}(n)
	}
	wg.Wait()
	close(errorChan)

	for err := range errorChan {
		m.logger.Warn("Node close failed", "error", err)
	}

	stopped := make([]string, 0, len(targets))
	for _, n := range targets {
		stopped = append(stopped, n.ID())
	}
	m.updateGauges()
	return stopped
}

func (m *Manager) removeNode(n *node.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.nodes[n.ID()]; ok && cur == n {
		delete(m.nodes, n.ID())
		m.reindexLocked()
	}
}

func (m *Manager) nodeConfig(c *flowstore.ConfiguredNode) node.Config {
	creds, _ := m.creds.Get(c.ID)
	return node.Config{
		ID:          c.ID,
		Type:        c.Type,
		Name:        c.Name,
		FlowID:      c.Z,
		Wires:       c.Wires,
		Props:       c.Props,
		Credentials: creds,
	}
}

func (m *Manager) finishReport(report *Report) {
	m.mu.RLock()
	report.Missing = m.missingLocked()
	m.mu.RUnlock()
	m.updateGauges()

	m.logger.Info("Flows deployed",
		"type", report.Type, "rev", report.Rev,
		"started", len(report.Started), "stopped", len(report.Stopped),
		"failed", len(report.Failed))
	if len(report.Missing) > 0 {
		m.logger.Warn("Flows waiting for missing types", "types", report.MissingTypes())
	}

	m.publish(node.Event{Topic: node.TopicDeploy, Data: map[string]any{
		"rev":     report.Rev,
		"type":    string(report.Type),
		"missing": report.MissingTypes(),
	}})
}

func (m *Manager) updateGauges() {
	m.mu.RLock()
	active, missing := len(m.nodes), len(m.missing)
	m.mu.RUnlock()
	m.metrics.setNodes(active, missing)
}

func nodeIDs(cfg flowstore.Flows) []string {
	ids := make([]string, 0, len(cfg))
	for i := range cfg {
		if !cfg[i].IsTab() {
			ids = append(ids, cfg[i].ID)
		}
	}
	return ids
}
