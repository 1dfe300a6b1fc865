package flows

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/nodeflow/credentials"
	"github.com/c360/nodeflow/errors"
	"github.com/c360/nodeflow/flowstore"
	"github.com/c360/nodeflow/message"
	"github.com/c360/nodeflow/node"
	"github.com/c360/nodeflow/registry"
	"github.com/c360/nodeflow/storage"
	"github.com/c360/nodeflow/storage/memory"
	"github.com/c360/nodeflow/testutil"
)

const waitFor = 2 * time.Second

type ManagerSuite struct {
	suite.Suite
	ctx     context.Context
	store   *testutil.FailingStore
	runtime *storage.Runtime
	reg     *registry.Registry
	rec     *testutil.Recorder
	creds   *credentials.Store
	events  *testutil.EventRecorder
	mgr     *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = testutil.NewFailingStore(memory.New())
	s.runtime = storage.NewRuntime(s.store, nil)
	s.reg = registry.New(registry.WithStateStore(s.runtime))
	s.rec = testutil.NewRecorder()

	setID := registry.SetID("test", "nodes")
	s.Require().NoError(s.reg.AddTypeSet(registry.Descriptor{ID: setID, Module: "test", Name: "nodes", Enabled: true}))
	for _, typ := range []string{"inject", "debug", "fn", CatchType, StatusType} {
		s.Require().NoError(s.reg.RegisterType(setID, s.rec.Definition(typ)))
	}
	secret := s.rec.Definition("secret")
	secret.Credentials = credentials.Schema{"user": credentials.FieldText, "password": credentials.FieldPassword}
	s.Require().NoError(s.reg.RegisterType(setID, secret))
	s.reg.SetLoadResult(setID, nil)

	s.creds = credentials.NewStore(s.runtime, s.reg.CredentialSchema, nil)
	s.events = &testutil.EventRecorder{}
	s.mgr = NewManager(s.runtime, s.reg, s.creds,
		WithEventSink(s.events),
		WithConfig(Config{StopTimeout: time.Second}))
	s.reg.SetUsageChecker(s.mgr)
}

func (s *ManagerSuite) TearDownTest() {
	if s.mgr.State() == StateRunning {
		s.NoError(s.mgr.StopFlows(s.ctx, nil))
	}
}

func (s *ManagerSuite) deploy(cfg flowstore.Flows, typ DeployType) *Report {
	report, err := s.mgr.SetFlows(s.ctx, cfg, typ)
	s.Require().NoError(err)
	return report
}

func (s *ManagerSuite) TestLoadEmpty() {
	report, err := s.mgr.Load(s.ctx)
	s.Require().NoError(err)
	s.Equal(StateRunning, s.mgr.State())
	s.Equal(storage.Revision([]byte("[]")), report.Rev)
	s.Empty(report.Started)
}

func (s *ManagerSuite) TestLoadTwiceFails() {
	_, err := s.runtime.SaveFlows(s.ctx, testutil.Chain("fn", 3))
	s.Require().NoError(err)

	_, err = s.mgr.Load(s.ctx)
	s.Require().NoError(err)

	_, err = s.mgr.Load(s.ctx)
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrAlreadyStarted)
	s.True(errors.IsInvalid(err))

	for _, id := range []string{"n1", "n2", "n3"} {
		s.Equal(1, s.rec.Inits(id), id)
	}
	s.Equal([]string{"n1", "n2", "n3"}, s.mgr.ActiveNodes())
}

func (s *ManagerSuite) TestLoadStorageFailureLeavesEmpty() {
	s.store.FailGet(storage.KeyFlows, fmt.Errorf("disk gone"))

	_, err := s.mgr.Load(s.ctx)
	s.Require().Error(err)
	s.Equal(StateEmpty, s.mgr.State())
	s.Empty(s.mgr.ActiveNodes())

	s.store.FailGet(storage.KeyFlows, nil)
	_, err = s.mgr.Load(s.ctx)
	s.NoError(err)
}

func (s *ManagerSuite) TestLoadToleratesCredentialFailure() {
	_, err := s.runtime.SaveFlows(s.ctx, testutil.Chain("fn", 2))
	s.Require().NoError(err)
	s.store.FailGet(storage.KeyCredentials, fmt.Errorf("corrupt"))

	_, err = s.mgr.Load(s.ctx)
	s.Require().NoError(err)
	s.Len(s.mgr.ActiveNodes(), 2)
}

func (s *ManagerSuite) TestInjectReachesDebugOnce() {
	cfg := testutil.NewFlowBuilder().
		Node("a", "inject", "b").
		Node("b", "debug").
		Build()
	_, err := s.runtime.SaveFlows(s.ctx, cfg)
	s.Require().NoError(err)
	_, err = s.mgr.Load(s.ctx)
	s.Require().NoError(err)

	trigger := message.WithPayload("hello")
	s.Require().NoError(s.mgr.Inject(s.ctx, "a", trigger))

	got := s.rec.WaitReceived(s.T(), "b", 1, waitFor)
	time.Sleep(50 * time.Millisecond)
	s.Len(s.rec.Received("b"), 1)
	s.Equal("hello", got[0].Payload())
	s.Equal(trigger.ID(), got[0].ID())
}

func (s *ManagerSuite) TestOrderingWithinWire() {
	s.deploy(testutil.Chain("fn", 2), FullDeploy)

	const count = 200
	for i := 0; i < count; i++ {
		s.Require().NoError(s.mgr.Inject(s.ctx, "n1", message.WithPayload(i)))
	}

	got := s.rec.WaitReceived(s.T(), "n2", count, waitFor)
	for i, msg := range got {
		s.Equal(i, msg.Payload())
	}
}

func (s *ManagerSuite) TestNodesDeployRestartsOnlyChangedNode() {
	cfg := testutil.Chain("fn", 5)
	s.deploy(cfg, FullDeploy)

	next := cfg.Clone()
	next.ByID()["n3"].Props["rate"] = float64(5)
	report := s.deploy(next, NodesDeploy)

	s.Equal([]string{"n3"}, report.Stopped)
	s.Equal([]string{"n3"}, report.Started)
	for _, id := range []string{"n1", "n2", "n4", "n5"} {
		s.Equal(1, s.rec.Inits(id), id)
		s.Equal(0, s.rec.Closes(id), id)
	}
	s.Equal(2, s.rec.Inits("n3"))
	s.Equal(1, s.rec.Closes("n3"))

	n3, ok := s.mgr.Node("n3")
	s.Require().True(ok)
	s.Equal(float64(5), n3.Config().Float("rate", 0))
	s.Equal(report.Rev, s.mgr.Revision())
}

func (s *ManagerSuite) TestNodesDeployKeepsRoutingThroughRestartedNode() {
	cfg := testutil.Chain("fn", 3)
	s.deploy(cfg, FullDeploy)

	next := cfg.Clone()
	next.ByID()["n2"].Props["mode"] = "fast"
	s.deploy(next, NodesDeploy)

	s.Require().NoError(s.mgr.Inject(s.ctx, "n1", message.WithPayload("x")))
	got := s.rec.WaitReceived(s.T(), "n3", 1, waitFor)
	s.Equal("x", got[0].Payload())
}

func (s *ManagerSuite) TestNodesDeployRemovesAndAdds() {
	cfg := testutil.Chain("fn", 3)
	s.deploy(cfg, FullDeploy)

	next := testutil.NewFlowBuilder().
		Node("n1", "fn", "n2").
		Node("n2", "fn", "n4").
		Node("n4", "fn").
		Build()
	report := s.deploy(next, NodesDeploy)

	s.ElementsMatch([]string{"n2", "n3"}, report.Stopped)
	s.ElementsMatch([]string{"n2", "n4"}, report.Started)
	s.Equal([]string{"n1", "n2", "n4"}, s.mgr.ActiveNodes())
	s.Equal(0, s.rec.Closes("n1"))
}

func (s *ManagerSuite) TestFlowsDeployRestartsTab() {
	cfg := testutil.NewFlowBuilder().
		Tab("t1").Node("a", "fn", "b").Node("b", "fn").
		Tab("t2").Node("c", "fn").
		Build()
	s.deploy(cfg, FullDeploy)

	next := cfg.Clone()
	next.ByID()["b"].Props["x"] = "y"
	report := s.deploy(next, FlowsDeploy)

	s.ElementsMatch([]string{"a", "b"}, report.Stopped)
	s.Equal(1, s.rec.Closes("a"))
	s.Equal(0, s.rec.Closes("c"))
	s.Equal([]string{"t1"}, report.Diff.Flows)
}

func (s *ManagerSuite) TestFullDeployRestartsEverything() {
	cfg := testutil.Chain("fn", 3)
	s.deploy(cfg, FullDeploy)

	report := s.deploy(cfg, FullDeploy)
	s.Len(report.Stopped, 3)
	s.Len(report.Started, 3)
	s.Equal(2, s.rec.Inits("n1"))
	s.Equal(1, s.rec.Closes("n1"))
}

func (s *ManagerSuite) TestMissingTypeIsNonFatal() {
	cfg := testutil.NewFlowBuilder().
		Node("a", "fn", "x").
		Node("x", "mqtt in").
		Node("b", "fn").
		Build()
	report := s.deploy(cfg, FullDeploy)

	s.Require().Len(report.Missing, 1)
	s.Equal("x", report.Missing[0].ID)
	s.Equal("mqtt in", report.Missing[0].Type)
	s.Equal([]string{"mqtt in"}, report.MissingTypes())
	s.ElementsMatch([]string{"a", "b"}, report.Started)
	s.True(s.mgr.Health().IsDegraded())

	// the type shows up later and a partial deploy picks the node up
	setID := registry.SetID("contrib", "mqtt")
	s.Require().NoError(s.reg.AddTypeSet(registry.Descriptor{ID: setID, Module: "contrib", Name: "mqtt", Enabled: true}))
	s.Require().NoError(s.reg.RegisterType(setID, s.rec.Definition("mqtt in")))

	report = s.deploy(cfg, NodesDeploy)
	s.Empty(report.Missing)
	s.Equal([]string{"x"}, report.Started)
	s.Empty(report.Stopped)
	s.True(s.mgr.Health().IsHealthy())
}

func (s *ManagerSuite) TestDisableInUseIsRejected() {
	s.deploy(testutil.NewFlowBuilder().Node("d", "debug").Build(), FullDeploy)

	_, err := s.reg.Disable(s.ctx, "debug")
	var inUse *errors.TypeInUseError
	s.Require().ErrorAs(err, &inUse)
	_, ok := s.reg.GetType("debug")
	s.True(ok)

	s.Require().NoError(s.mgr.StopFlows(s.ctx, nil))
	_, err = s.reg.Disable(s.ctx, "debug")
	s.Require().NoError(err)

	report, err := s.mgr.StartFlows(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(report.Missing, 1)
	s.Contains(report.Missing[0].Reason, "disabled")
}

func (s *ManagerSuite) TestCredentialFailureAbortsDeploy() {
	cfg := testutil.Chain("fn", 2)
	first := s.deploy(cfg, FullDeploy)
	flowWrites := s.store.Puts(storage.KeyFlows)

	s.store.FailPut(storage.KeyCredentials, fmt.Errorf("read-only filesystem"))
	next := testutil.NewFlowBuilder().
		Node("n1", "fn").
		Node("s1", "secret").Credentials(map[string]any{"user": "bob"}).
		Build()

	_, err := s.mgr.SetFlows(s.ctx, next, FullDeploy)
	s.Require().Error(err)
	var deployErr *errors.DeployError
	s.Require().ErrorAs(err, &deployErr)
	s.Equal([]string{"secret:s1"}, deployErr.Nodes)
	var credErr *errors.CredentialStoreError
	s.ErrorAs(err, &credErr)

	s.Equal([]string{"n1", "n2"}, s.mgr.ActiveNodes())
	s.Equal(first.Rev, s.mgr.Revision())
	s.Equal(flowWrites, s.store.Puts(storage.KeyFlows))
	s.Equal(0, s.rec.Closes("n1"))
}

func (s *ManagerSuite) TestCredentialRetryAfterFailedSave() {
	withUser := func(user string) flowstore.Flows {
		return testutil.NewFlowBuilder().
			Node("s1", "secret").Credentials(map[string]any{"user": user}).
			Build()
	}
	s.deploy(withUser("alice"), NodesDeploy)

	s.store.FailPut(storage.KeyCredentials, fmt.Errorf("read-only filesystem"))
	_, err := s.mgr.SetFlows(s.ctx, withUser("bob"), NodesDeploy)
	s.Require().Error(err)

	cached, ok := s.creds.Get("s1")
	s.Require().True(ok)
	s.Equal("alice", cached["user"])
	s.False(s.creds.Dirty())

	s.store.FailPut(storage.KeyCredentials, nil)
	report := s.deploy(withUser("bob"), NodesDeploy)
	s.Equal([]string{"s1"}, report.Stopped)
	s.Equal(2, s.rec.Inits("s1"))
	n, ok := s.mgr.Node("s1")
	s.Require().True(ok)
	s.Equal("bob", n.Config().Credential("user"))
}

func (s *ManagerSuite) TestFlowSaveFailureRollsBackCredentials() {
	withUser := func(user string) flowstore.Flows {
		return testutil.NewFlowBuilder().
			Node("s1", "secret").Credentials(map[string]any{"user": user}).
			Build()
	}
	s.deploy(withUser("alice"), FullDeploy)

	s.store.FailPut(storage.KeyFlows, fmt.Errorf("quota"))
	_, err := s.mgr.SetFlows(s.ctx, withUser("bob"), NodesDeploy)
	s.Require().Error(err)

	stored, err := s.runtime.GetCredentials(s.ctx)
	s.Require().NoError(err)
	s.Equal("alice", stored["s1"]["user"])
	cached, _ := s.creds.Get("s1")
	s.Equal("alice", cached["user"])

	s.store.FailPut(storage.KeyFlows, nil)
	report := s.deploy(withUser("bob"), NodesDeploy)
	s.Equal([]string{"s1"}, report.Stopped)
}

func (s *ManagerSuite) TestCancelledContextDoesNotInterruptDeploy() {
	s.deploy(testutil.Chain("fn", 2), FullDeploy)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	report, err := s.mgr.SetFlows(ctx, testutil.Chain("fn", 3), FullDeploy)
	s.Require().NoError(err)
	s.Equal(StateRunning, s.mgr.State())
	s.Equal([]string{"n1", "n2", "n3"}, s.mgr.ActiveNodes())
	s.Equal(report.Rev, s.mgr.Revision())

	next := testutil.Chain("fn", 3)
	next[1].Props["v"] = "2"
	report, err = s.mgr.SetFlows(ctx, next, NodesDeploy)
	s.Require().NoError(err)
	s.Equal([]string{"n2"}, report.Stopped)
	s.Equal([]string{"n1", "n2", "n3"}, s.mgr.ActiveNodes())
	n, ok := s.mgr.Node("n2")
	s.Require().True(ok)
	s.NoError(n.Context().Err())
}

// hookResolver calls before ahead of every resolution.
type hookResolver struct {
	TypeResolver
	before func(nodeType string)
}

func (h hookResolver) Resolve(nodeType string) (node.Definition, error) {
	if h.before != nil {
		h.before(nodeType)
	}
	return h.TypeResolver.Resolve(nodeType)
}

func (s *ManagerSuite) TestDisableDuringStartIsRejected() {
	var disableErr error
	once := false
	resolver := hookResolver{TypeResolver: s.reg, before: func(string) {
		if !once {
			once = true
			_, disableErr = s.reg.Disable(s.ctx, "fn")
		}
	}}
	mgr := NewManager(s.runtime, resolver, s.creds, WithConfig(Config{StopTimeout: time.Second}))
	s.reg.SetUsageChecker(mgr)

	report, err := mgr.SetFlows(s.ctx, testutil.Chain("fn", 1), FullDeploy)
	s.Require().NoError(err)
	var inUse *errors.TypeInUseError
	s.Require().ErrorAs(disableErr, &inUse)
	s.Equal([]string{"n1"}, report.Started)
	s.Empty(report.Missing)

	s.Require().NoError(mgr.StopFlows(s.ctx, nil))
	s.False(mgr.TypeInUse("fn"))
	_, err = s.reg.Disable(s.ctx, "fn")
	s.NoError(err)
}

func (s *ManagerSuite) TestFlowSaveFailureAbortsDeploy() {
	s.deploy(testutil.Chain("fn", 2), FullDeploy)
	s.store.FailPut(storage.KeyFlows, fmt.Errorf("quota"))

	_, err := s.mgr.SetFlows(s.ctx, testutil.Chain("fn", 4), FullDeploy)
	var deployErr *errors.DeployError
	s.Require().ErrorAs(err, &deployErr)
	s.Len(deployErr.Nodes, 4)
	s.Equal([]string{"n1", "n2"}, s.mgr.ActiveNodes())
}

func (s *ManagerSuite) TestCredentialsAreStrippedAndAttached() {
	cfg := testutil.NewFlowBuilder().
		Node("s1", "secret").Credentials(map[string]any{"user": "bob", "password": "hunter2"}).
		Build()
	s.deploy(cfg, FullDeploy)

	n, ok := s.mgr.Node("s1")
	s.Require().True(ok)
	s.Equal("bob", n.Config().Credential("user"))
	s.Equal("hunter2", n.Config().Credential("password"))

	stored, _, err := s.runtime.GetFlows(s.ctx)
	s.Require().NoError(err)
	s.Nil(stored.ByID()["s1"].Credentials)
	s.Nil(s.mgr.Flows().ByID()["s1"].Credentials)

	// unchanged placeholder keeps the instance running
	again := testutil.NewFlowBuilder().
		Node("s1", "secret").Credentials(map[string]any{"user": "bob", "password": credentials.PasswordPlaceholder}).
		Build()
	report := s.deploy(again, NodesDeploy)
	s.Empty(report.Stopped)

	// a changed secret restarts it
	changed := testutil.NewFlowBuilder().
		Node("s1", "secret").Credentials(map[string]any{"user": "alice"}).
		Build()
	report = s.deploy(changed, NodesDeploy)
	s.Equal([]string{"s1"}, report.Stopped)
	n, _ = s.mgr.Node("s1")
	s.Equal("alice", n.Config().Credential("user"))
	s.Equal("hunter2", n.Config().Credential("password"))
}

func (s *ManagerSuite) TestRemovedNodeCredentialsAreCleaned() {
	cfg := testutil.NewFlowBuilder().
		Node("s1", "secret").Credentials(map[string]any{"user": "bob"}).
		Build()
	s.deploy(cfg, FullDeploy)

	s.deploy(testutil.Chain("fn", 1), NodesDeploy)
	_, ok := s.creds.Get("s1")
	s.False(ok)

	saved, err := s.runtime.GetCredentials(s.ctx)
	s.Require().NoError(err)
	s.NotContains(saved, "s1")
}

func (s *ManagerSuite) TestCloseFailureDoesNotBlockOthers() {
	s.rec.OnClose = func(n *node.Node) error {
		if n.ID() == "n2" {
			return fmt.Errorf("socket stuck")
		}
		return nil
	}
	s.deploy(testutil.Chain("fn", 4), FullDeploy)

	s.Require().NoError(s.mgr.StopFlows(s.ctx, nil))
	s.Equal(StateEmpty, s.mgr.State())
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		s.Equal(1, s.rec.Closes(id), id)
	}
	s.Empty(s.mgr.ActiveNodes())
}

func (s *ManagerSuite) TestSlowCloseCompletesBeforeRestart() {
	var closing, restarted time.Time
	s.rec.OnClose = func(n *node.Node) error {
		time.Sleep(30 * time.Millisecond)
		closing = time.Now()
		return nil
	}
	s.rec.OnInit = func(n *node.Node) error {
		if s.rec.Inits(n.ID()) == 2 {
			restarted = time.Now()
		}
		return nil
	}
	cfg := testutil.Chain("fn", 1)
	s.deploy(cfg, FullDeploy)

	next := cfg.Clone()
	next[0].Props["v"] = "2"
	s.deploy(next, NodesDeploy)

	s.False(restarted.IsZero())
	s.True(restarted.After(closing))
}

func (s *ManagerSuite) TestStopFlowsWithDiff() {
	s.deploy(testutil.Chain("fn", 3), FullDeploy)

	s.Require().NoError(s.mgr.StopFlows(s.ctx, &Diff{Removed: []string{"n2"}}))
	s.Equal([]string{"n1", "n3"}, s.mgr.ActiveNodes())
	s.Equal(StateRunning, s.mgr.State())
}

func (s *ManagerSuite) TestStopFlowsWhenNotRunning() {
	err := s.mgr.StopFlows(s.ctx, nil)
	s.ErrorIs(err, errors.ErrNotStarted)
}

func (s *ManagerSuite) TestStartFlowsAfterStop() {
	s.deploy(testutil.Chain("fn", 2), FullDeploy)
	s.Require().NoError(s.mgr.StopFlows(s.ctx, nil))

	report, err := s.mgr.StartFlows(s.ctx)
	s.Require().NoError(err)
	s.Len(report.Started, 2)
	s.Equal(2, s.rec.Inits("n1"))

	_, err = s.mgr.StartFlows(s.ctx)
	s.ErrorIs(err, errors.ErrAlreadyStarted)
}

func (s *ManagerSuite) TestInitFailureIsReported() {
	s.rec.OnInit = func(n *node.Node) error {
		if n.ID() == "n2" {
			return fmt.Errorf("port in use")
		}
		return nil
	}
	report := s.deploy(testutil.Chain("fn", 3), FullDeploy)

	s.Require().Len(report.Failed, 1)
	s.Equal("n2", report.Failed[0].ID)
	s.ElementsMatch([]string{"n1", "n3"}, report.Started)
	s.Equal([]string{"n1", "n3"}, s.mgr.ActiveNodes())
}

func (s *ManagerSuite) TestCatchRouting() {
	s.rec.OnReceive = func(_ context.Context, n *node.Node, msg message.Message) error {
		if n.ID() == "src" {
			return fmt.Errorf("bad input")
		}
		n.Send(msg)
		return nil
	}
	cfg := testutil.NewFlowBuilder().
		Tab("t1").
		Node("src", "fn").
		Node("scoped", CatchType).Prop("scope", []any{"elsewhere"}).
		Node("fallback", CatchType).Prop("uncaught", true).
		Node("all", CatchType).
		Tab("t2").
		Node("foreign", CatchType).
		Build()
	s.deploy(cfg, FullDeploy)

	s.Require().NoError(s.mgr.Inject(s.ctx, "src", message.WithPayload("p")))
	got := s.rec.WaitReceived(s.T(), "all", 1, waitFor)

	errField, ok := got[0][message.KeyError].(map[string]any)
	s.Require().True(ok)
	s.Contains(errField["message"], "bad input")
	source := errField["source"].(map[string]any)
	s.Equal("src", source["id"])
	s.Equal(1, source["count"])
	s.Equal("p", got[0].Payload())

	time.Sleep(50 * time.Millisecond)
	s.Empty(s.rec.Received("scoped"))
	s.Empty(s.rec.Received("fallback"))
	s.Empty(s.rec.Received("foreign"))
	s.NotEmpty(s.events.Events(node.TopicError))
}

func (s *ManagerSuite) TestUncaughtCatch() {
	s.rec.OnReceive = func(_ context.Context, n *node.Node, msg message.Message) error {
		if n.ID() == "src" {
			return fmt.Errorf("bad input")
		}
		return nil
	}
	cfg := testutil.NewFlowBuilder().
		Node("src", "fn").
		Node("scoped", CatchType).Prop("scope", []any{"elsewhere"}).
		Node("fallback", CatchType).Prop("uncaught", true).
		Build()
	s.deploy(cfg, FullDeploy)

	s.Require().NoError(s.mgr.Inject(s.ctx, "src", message.New()))
	s.rec.WaitReceived(s.T(), "fallback", 1, waitFor)
	s.Empty(s.rec.Received("scoped"))

	n, _ := s.mgr.Node("src")
	s.Error(n.LastError())
}

func (s *ManagerSuite) TestCatchLoopIsBounded() {
	// a catch node wired back into a failing node
	s.rec.OnReceive = func(_ context.Context, n *node.Node, msg message.Message) error {
		if n.ID() == "src" {
			return fmt.Errorf("always fails")
		}
		n.Send(msg)
		return nil
	}
	cfg := testutil.NewFlowBuilder().
		Node("src", "fn").
		Node("c", CatchType, "src").
		Build()
	s.deploy(cfg, FullDeploy)

	s.Require().NoError(s.mgr.Inject(s.ctx, "src", message.New()))
	s.rec.WaitReceived(s.T(), "c", DefaultMaxCatchDepth, waitFor)
	time.Sleep(100 * time.Millisecond)
	s.Len(s.rec.Received("c"), DefaultMaxCatchDepth)
}

func (s *ManagerSuite) TestStatusRouting() {
	s.rec.OnInit = func(n *node.Node) error {
		if n.ID() == "src" {
			n.Status(node.Status{Fill: "green", Shape: "dot", Text: "connected"})
		}
		return nil
	}
	cfg := testutil.NewFlowBuilder().
		Node("src", "fn").
		Node("watch", StatusType).Prop("scope", []any{"src"}).
		Node("other", StatusType).Prop("scope", []any{"nobody"}).
		Build()
	s.deploy(cfg, FullDeploy)

	got := s.rec.WaitReceived(s.T(), "watch", 1, waitFor)
	status := got[0]["status"].(map[string]any)
	s.Equal("connected", status["text"])
	s.Equal("src", status["source"].(map[string]any)["id"])
	s.Empty(s.rec.Received("other"))
	s.NotEmpty(s.events.Events(node.TopicStatus))
}

func (s *ManagerSuite) TestDeployEventPublished() {
	report := s.deploy(testutil.Chain("fn", 1), FullDeploy)

	events := s.events.Events(node.TopicDeploy)
	s.Require().Len(events, 1)
	s.Equal(report.Rev, events[0].Data.(map[string]any)["rev"])
}

func (s *ManagerSuite) TestSetFlowsRejectsInvalidDocument() {
	cfg := flowstore.Flows{{ID: "a", Type: "fn"}, {ID: "a", Type: "fn"}}
	_, err := s.mgr.SetFlows(s.ctx, cfg, FullDeploy)
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))

	_, err = s.mgr.SetFlows(s.ctx, testutil.Chain("fn", 1), DeployType("sideways"))
	s.ErrorIs(err, errors.ErrInvalidDeploy)
	s.Equal(StateEmpty, s.mgr.State())
}

func (s *ManagerSuite) TestInjectUnknownNode() {
	s.deploy(testutil.Chain("fn", 1), FullDeploy)
	err := s.mgr.Inject(s.ctx, "ghost", nil)
	s.ErrorIs(err, errors.ErrNodeNotFound)
}

func (s *ManagerSuite) TestDeliverIgnoresAbsentTarget() {
	s.deploy(testutil.Chain("fn", 1), FullDeploy)
	s.False(s.mgr.Deliver(nil, "ghost", message.New()))
}

func (s *ManagerSuite) TestHealth() {
	s.True(s.mgr.Health().IsDegraded())
	s.deploy(testutil.Chain("fn", 2), FullDeploy)

	h := s.mgr.Health()
	s.True(h.IsHealthy())
	s.Equal("2", h.Details["nodes"])
	s.Equal("running", h.Details["state"])
	s.Equal("0", h.Details["errors"])

	n, ok := s.mgr.Node("n1")
	s.Require().True(ok)
	n.Error(fmt.Errorf("boom"), message.New())
	s.Equal("1", s.mgr.Health().Details["errors"])
}
